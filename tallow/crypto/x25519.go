package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair represents an ephemeral ECDH keypair. Handshake keypairs are
// generated fresh per session and never reused.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

var (
	// ErrMalformedKey indicates a public key that fails structural validation.
	ErrMalformedKey = errors.New("crypto: malformed public key")
	// ErrInvalidSharedSecret indicates a degenerate (all-zero) exchange output.
	ErrInvalidSharedSecret = errors.New("crypto: invalid shared secret")
)

// GenerateX25519 generates a new ephemeral X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return X25519KeyPair{}, err
	}
	// Clamp private key per RFC 7748
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// Wipe destroys the private half of the keypair.
func (kp *X25519KeyPair) Wipe() {
	Wipe32(&kp.PrivateKey)
}

// ECDH computes the shared secret using X25519.
// An all-zero peer key or an all-zero exchange output (small-subgroup
// indicator) is rejected. Returns 32 bytes of raw shared secret which must
// be passed through a KDF before use.
func ECDH(privateKey, peerPublicKey [32]byte) ([]byte, error) {
	var zero [32]byte
	if peerPublicKey == zero {
		return nil, ErrMalformedKey
	}
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, ErrInvalidSharedSecret
	}
	var v byte
	for _, b := range shared {
		v |= b
	}
	if v == 0 {
		return nil, ErrInvalidSharedSecret
	}
	return shared, nil
}
