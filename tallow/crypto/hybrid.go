package crypto

import (
	"errors"
	"fmt"
)

const (
	// CombinedSecretSize is the size of the hybrid handshake output.
	CombinedSecretSize = 32

	// hybridLabel domain-separates the combined secret derivation. The KEM
	// output is always concatenated before the X25519 output; the ordering
	// is part of the protocol version.
	hybridLabel = "tallow/v1 hybrid-kem"

	x25519Size = 32
)

// ErrHandshakeFailed is the single error surfaced for any cryptographic
// failure during the handshake. It deliberately does not reveal which
// sub-exchange or check failed.
var ErrHandshakeFailed = errors.New("crypto: handshake failed")

// Handshake holds the initiator's ephemeral keypairs between sending the
// public material and completing the exchange. Both keypairs are destroyed
// once the combined secret is derived.
type Handshake struct {
	kem     KemScheme
	kemPub  []byte
	kemPriv []byte
	x       X25519KeyPair
	done    bool
}

// NewHandshake generates fresh ephemeral keypairs for one handshake attempt.
func NewHandshake(kem KemScheme) (*Handshake, error) {
	kemPub, kemPriv, err := kem.GenerateKeyPair()
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	x, err := GenerateX25519()
	if err != nil {
		Wipe(kemPriv)
		return nil, ErrHandshakeFailed
	}
	return &Handshake{kem: kem, kemPub: kemPub, kemPriv: kemPriv, x: x}, nil
}

// PublicMaterial returns the initiator's public material for transmission:
// 2-byte big-endian KEM public key length, KEM public key, X25519 public key.
func (h *Handshake) PublicMaterial() []byte {
	return encodeMaterial(h.kemPub, h.x.PublicKey[:])
}

// Respond runs the responder side of the hybrid exchange: encapsulate to the
// initiator's KEM key, run a fresh X25519 exchange against the initiator's
// classical key, and derive the combined secret. Returns the responder's
// public material (KEM ciphertext plus X25519 public key) and the secret.
func Respond(kem KemScheme, peerMaterial []byte) (localMaterial, secret []byte, err error) {
	kemPub, xPub, err := decodeMaterial(peerMaterial, kem.PublicKeySize())
	if err != nil {
		return nil, nil, err
	}

	ct, kemShared, err := kem.Encapsulate(kemPub)
	if err != nil {
		return nil, nil, ErrHandshakeFailed
	}
	eph, err := GenerateX25519()
	if err != nil {
		Wipe(kemShared)
		return nil, nil, ErrHandshakeFailed
	}
	defer eph.Wipe()

	xShared, err := ECDH(eph.PrivateKey, xPub)
	if err != nil {
		Wipe(kemShared)
		return nil, nil, ErrHandshakeFailed
	}

	secret, err = combine(kemShared, xShared)
	if err != nil {
		return nil, nil, ErrHandshakeFailed
	}
	return encodeMaterial(ct, eph.PublicKey[:]), secret, nil
}

// Complete consumes the responder's material and derives the same combined
// secret on the initiator side. The handshake's ephemeral keys are wiped
// regardless of outcome; a Handshake is single-use.
func (h *Handshake) Complete(peerResponse []byte) ([]byte, error) {
	if h.done {
		return nil, ErrHandshakeFailed
	}
	h.done = true
	defer h.wipe()

	ct, xPub, err := decodeMaterial(peerResponse, h.kem.CiphertextSize())
	if err != nil {
		return nil, err
	}

	kemShared, err := h.kem.Decapsulate(h.kemPriv, ct)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	xShared, err := ECDH(h.x.PrivateKey, xPub)
	if err != nil {
		Wipe(kemShared)
		return nil, ErrHandshakeFailed
	}

	secret, err := combine(kemShared, xShared)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	return secret, nil
}

func (h *Handshake) wipe() {
	Wipe(h.kemPriv)
	h.x.Wipe()
}

// combine derives the fixed-length combined secret from both exchange
// outputs. Both inputs are consumed and wiped. AND-composition: the result
// is only as weak as breaking both sub-exchanges together.
func combine(kemShared, xShared []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(kemShared)+len(xShared))
	ikm = append(ikm, kemShared...)
	ikm = append(ikm, xShared...)
	Wipe(kemShared)
	Wipe(xShared)

	secret, err := DeriveKey(ikm, nil, []byte(hybridLabel), CombinedSecretSize)
	Wipe(ikm)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func encodeMaterial(kemPart, xPub []byte) []byte {
	out := make([]byte, 2+len(kemPart)+len(xPub))
	out[0] = byte(len(kemPart) >> 8)
	out[1] = byte(len(kemPart))
	copy(out[2:], kemPart)
	copy(out[2+len(kemPart):], xPub)
	return out
}

func decodeMaterial(data []byte, wantKemLen int) (kemPart []byte, xPub [32]byte, err error) {
	if len(data) < 2 {
		return nil, xPub, fmt.Errorf("%w: material too short", ErrMalformedKey)
	}
	kemLen := int(data[0])<<8 | int(data[1])
	if kemLen != wantKemLen || len(data) != 2+kemLen+x25519Size {
		return nil, xPub, fmt.Errorf("%w: material length", ErrMalformedKey)
	}
	kemPart = data[2 : 2+kemLen]
	copy(xPub[:], data[2+kemLen:])
	var zero [32]byte
	if xPub == zero {
		return nil, xPub, fmt.Errorf("%w: degenerate classical key", ErrMalformedKey)
	}
	return kemPart, xPub, nil
}
