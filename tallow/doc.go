// Package tallow implements secure, resumable file transfer between two
// peers.
//
// Session keys come from a hybrid key establishment that combines an ML-KEM
// encapsulation with an X25519 exchange, so recorded traffic stays
// confidential even against a quantum-capable adversary. Every chunk is
// encrypted under a fresh key from a double ratchet, with periodic
// post-quantum re-keying; compromise of any single key exposes at most one
// chunk. Transfer progress is persisted per chunk, so an interrupted
// transfer resumes from the last verified chunk under a brand-new
// handshake.
//
// The subpackages are layered: crypto and crypto/ratchet hold the
// primitives, transfer handles chunking and reassembly, protocol defines
// the wire format, store keeps the resumable state, and session ties them
// into the per-transfer state machine. transport/quic moves session frames
// between peers; this package's Peer is the high-level glue for common
// cases.
package tallow
