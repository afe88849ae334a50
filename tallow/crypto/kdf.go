package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveLabeled derives a 32-byte key bound to a protocol label.
func DeriveLabeled(secret []byte, label string) ([]byte, error) {
	return DeriveKey(secret, nil, []byte(label), 32)
}
