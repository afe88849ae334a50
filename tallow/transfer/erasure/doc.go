// Package erasure provides Reed-Solomon parity over groups of sealed chunks.
//
// When a session is configured with redundancy, the sender emits parity
// messages after each group of chunk ciphertexts. A receiver that lost or
// received a corrupted ciphertext can reconstruct it locally from the rest
// of the group instead of waiting a retransmission round trip. Parity is
// computed over ciphertext, so the repair path never touches key material.
package erasure
