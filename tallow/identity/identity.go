// Package identity provides long-lived Ed25519 peer identities and the
// fingerprints peers compare out of band to authenticate each other.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// peerIDLabel domain-separates peer ids from the fingerprint hashes
// computed over the same public key.
const peerIDLabel = "tallow/v1 peer-id"

var ErrBadSeed = errors.New("identity: seed must be 32 bytes")

// Identity is a long-lived signing identity. The private key never leaves
// the process; persistence stores only the seed.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// New generates a fresh identity.
func New() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{Public: pub, private: priv}, nil
}

// FromSeed reconstructs an identity from its persisted 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrBadSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Seed returns the 32 bytes needed to reconstruct this identity.
func (id *Identity) Seed() []byte { return id.private.Seed() }

func (id *Identity) PeerID() PeerID { return PeerIDFor(id.Public) }

// Sign signs a message, typically an out-of-band trust attestation.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

// Verify checks a signature against a peer's public key.
func Verify(public ed25519.PublicKey, message, signature []byte) bool {
	return len(public) == ed25519.PublicKeySize && ed25519.Verify(public, message, signature)
}

// PeerID is the stable identifier other peers address an identity by:
// BLAKE2b-256 over a domain label and the public key.
type PeerID [blake2b.Size256]byte

func PeerIDFor(publicKey ed25519.PublicKey) PeerID {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(peerIDLabel))
	h.Write(publicKey)
	var id PeerID
	copy(id[:], h.Sum(nil))
	return id
}

func (id PeerID) String() string { return hex.EncodeToString(id[:]) }

// ParsePeerID parses the hex form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return PeerID{}, fmt.Errorf("identity: bad peer id %q", s)
	}
	copy(id[:], b)
	return id, nil
}
