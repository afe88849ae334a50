// Package crypto provides the cryptographic primitives for tallow transfer sessions.
//
// Design goals:
//   - Hybrid post-quantum key establishment (ML-KEM + X25519, AND-composition)
//   - AEAD encryption via ChaCha20-Poly1305 (RFC 8439) or AES-256-GCM
//   - Deterministic nonce discipline (session prefix + chunk index, never random per call)
//   - Key derivation via HKDF-SHA256 with domain-separated labels
//   - Explicit wiping of retired key material
package crypto
