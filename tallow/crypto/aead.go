package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrAuthenticationFailed covers both tampering and wrong-key cases.
	// The two are deliberately indistinguishable.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
	ErrUnknownAeadScheme    = errors.New("crypto: unknown AEAD scheme")
	ErrInvalidKeySize       = errors.New("crypto: invalid AEAD key size")
)

// AeadScheme selects the authenticated cipher for a session. Like the KEM
// parameter, the scheme is fixed at session construction.
type AeadScheme interface {
	Name() string
	KeySize() int
	New(key []byte) (cipher.AEAD, error)
}

// ChaCha20Poly1305 returns the ChaCha20-Poly1305 scheme (RFC 8439).
func ChaCha20Poly1305() AeadScheme { return chachaScheme{} }

// AES256GCM returns the AES-256-GCM scheme.
func AES256GCM() AeadScheme { return aesGCMScheme{} }

// AeadSchemeByName resolves a scheme advertised during the key exchange.
func AeadSchemeByName(name string) (AeadScheme, error) {
	switch name {
	case chachaScheme{}.Name():
		return ChaCha20Poly1305(), nil
	case aesGCMScheme{}.Name():
		return AES256GCM(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAeadScheme, name)
	}
}

type chachaScheme struct{}

func (chachaScheme) Name() string { return "ChaCha20-Poly1305" }
func (chachaScheme) KeySize() int { return chacha20poly1305.KeySize }
func (chachaScheme) New(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	return chacha20poly1305.New(key)
}

type aesGCMScheme struct{}

func (aesGCMScheme) Name() string { return "AES-256-GCM" }
func (aesGCMScheme) KeySize() int { return 32 }
func (aesGCMScheme) New(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

const noncePrefixSize = 4

// ChunkCipher seals and opens individual chunks with per-message keys
// supplied by the ratchet. The 96-bit nonce is derived deterministically
// from a per-session prefix and the chunk index, so resends never reuse a
// nonce and the two ends need no synchronized counter. The caller must not
// seal the same (key, index) pair twice; ratchet keys never repeat, which
// makes the discipline hold by construction.
type ChunkCipher struct {
	scheme AeadScheme
	prefix [noncePrefixSize]byte
}

// NewChunkCipher derives the session nonce prefix from the combined secret
// so that both peers compute identical nonces without transmitting them.
func NewChunkCipher(scheme AeadScheme, sessionSecret []byte) (*ChunkCipher, error) {
	p, err := DeriveKey(sessionSecret, nil, []byte("tallow/v1 nonce-prefix"), noncePrefixSize)
	if err != nil {
		return nil, err
	}
	cc := &ChunkCipher{scheme: scheme}
	copy(cc.prefix[:], p)
	Wipe(p)
	return cc, nil
}

func (c *ChunkCipher) nonce(index uint64) []byte {
	n := make([]byte, 12)
	copy(n[:noncePrefixSize], c.prefix[:])
	binary.BigEndian.PutUint64(n[noncePrefixSize:], index)
	return n
}

// bindIndex appends the index to the associated data, binding the
// ciphertext to its position in the stream.
func bindIndex(ad []byte, index uint64) []byte {
	bound := make([]byte, 0, len(ad)+8)
	bound = append(bound, ad...)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return append(bound, idx[:]...)
}

// Seal encrypts and authenticates plaintext under the given per-message key.
// Output is ciphertext followed by the authentication tag; the nonce is not
// transmitted, both sides derive it.
func (c *ChunkCipher) Seal(key []byte, index uint64, plaintext, ad []byte) ([]byte, error) {
	aead, err := c.scheme.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, c.nonce(index), plaintext, bindIndex(ad, index)), nil
}

// Open verifies and decrypts a sealed chunk. The tag is checked before any
// plaintext is produced; on failure no partial plaintext escapes.
func (c *ChunkCipher) Open(key []byte, index uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, err := c.scheme.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, c.nonce(index), ciphertext, bindIndex(ad, index))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

// Overhead returns the tag overhead added by Seal.
func (c *ChunkCipher) Overhead() int {
	// Both supported schemes use 16-byte tags.
	return 16
}
