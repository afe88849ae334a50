// Package ratchet implements the dual ratchet that evolves per-message keys
// for a transfer session.
//
// Two mechanisms are combined:
//   - A Diffie-Hellman ratchet rotates an X25519 keypair on each direction
//     turnaround, giving fine-grained forward secrecy: every retired chain
//     key is overwritten, so a compromised key reveals only future messages.
//   - A sparse post-quantum epoch ratchet re-runs an ML-KEM encapsulation
//     every N messages or T seconds (whichever first) and mixes the fresh
//     secret into the root key, healing the session even if the classical
//     keys are fully broken.
//
// The core logic is synchronous and driven by the caller; out-of-order
// delivery is tolerated through a bounded skipped-key table carried in the
// ratchet state. State is never persisted; a resumed transfer re-runs the
// handshake.
package ratchet
