package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

var (
	ErrKemKeyGeneration = errors.New("crypto: ML-KEM key generation failed")
	ErrKemEncapsulation = errors.New("crypto: ML-KEM encapsulation failed")
	ErrKemDecapsulation = errors.New("crypto: ML-KEM decapsulation failed")
	ErrUnknownKemScheme = errors.New("crypto: unknown KEM scheme")
)

// KemScheme is a key encapsulation mechanism selected at session construction
// time. The parameter set is a configuration choice; both peers must agree
// on the scheme during the key exchange.
type KemScheme interface {
	Name() string
	PublicKeySize() int
	CiphertextSize() int
	GenerateKeyPair() (public, private []byte, err error)
	Encapsulate(peerPublic []byte) (ciphertext, shared []byte, err error)
	Decapsulate(private, ciphertext []byte) (shared []byte, err error)
}

// MLKEM768 returns the ML-KEM-768 scheme (NIST level 3).
func MLKEM768() KemScheme { return mlkem768Scheme{} }

// MLKEM1024 returns the ML-KEM-1024 scheme (NIST level 5).
func MLKEM1024() KemScheme { return mlkem1024Scheme{} }

// KemSchemeByName resolves a scheme advertised during the key exchange.
func KemSchemeByName(name string) (KemScheme, error) {
	switch name {
	case mlkem768Scheme{}.Name():
		return MLKEM768(), nil
	case mlkem1024Scheme{}.Name():
		return MLKEM1024(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKemScheme, name)
	}
}

type mlkem768Scheme struct{}

func (mlkem768Scheme) Name() string        { return "ML-KEM-768" }
func (mlkem768Scheme) PublicKeySize() int  { return mlkem768.PublicKeySize }
func (mlkem768Scheme) CiphertextSize() int { return mlkem768.CiphertextSize }

func (mlkem768Scheme) GenerateKeyPair() ([]byte, []byte, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemKeyGeneration, err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemKeyGeneration, err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemKeyGeneration, err)
	}
	return pubBytes, privBytes, nil
}

func (mlkem768Scheme) Encapsulate(peerPublic []byte) ([]byte, []byte, error) {
	if len(peerPublic) != mlkem768.PublicKeySize {
		return nil, nil, ErrMalformedKey
	}
	pub := new(mlkem768.PublicKey)
	if err := pub.Unpack(peerPublic); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemEncapsulation, err)
	}
	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	pub.EncapsulateTo(ct, ss, seed)
	return ct, ss, nil
}

func (mlkem768Scheme) Decapsulate(private, ciphertext []byte) ([]byte, error) {
	if len(private) != mlkem768.PrivateKeySize {
		return nil, ErrMalformedKey
	}
	if len(ciphertext) != mlkem768.CiphertextSize {
		return nil, ErrKemDecapsulation
	}
	priv := new(mlkem768.PrivateKey)
	if err := priv.Unpack(private); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	ss := make([]byte, mlkem768.SharedKeySize)
	priv.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

type mlkem1024Scheme struct{}

func (mlkem1024Scheme) Name() string        { return "ML-KEM-1024" }
func (mlkem1024Scheme) PublicKeySize() int  { return mlkem1024.PublicKeySize }
func (mlkem1024Scheme) CiphertextSize() int { return mlkem1024.CiphertextSize }

func (mlkem1024Scheme) GenerateKeyPair() ([]byte, []byte, error) {
	pub, priv, err := mlkem1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemKeyGeneration, err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemKeyGeneration, err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemKeyGeneration, err)
	}
	return pubBytes, privBytes, nil
}

func (mlkem1024Scheme) Encapsulate(peerPublic []byte) ([]byte, []byte, error) {
	if len(peerPublic) != mlkem1024.PublicKeySize {
		return nil, nil, ErrMalformedKey
	}
	pub := new(mlkem1024.PublicKey)
	if err := pub.Unpack(peerPublic); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	seed := make([]byte, mlkem1024.EncapsulationSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKemEncapsulation, err)
	}
	ct := make([]byte, mlkem1024.CiphertextSize)
	ss := make([]byte, mlkem1024.SharedKeySize)
	pub.EncapsulateTo(ct, ss, seed)
	return ct, ss, nil
}

func (mlkem1024Scheme) Decapsulate(private, ciphertext []byte) ([]byte, error) {
	if len(private) != mlkem1024.PrivateKeySize {
		return nil, ErrMalformedKey
	}
	if len(ciphertext) != mlkem1024.CiphertextSize {
		return nil, ErrKemDecapsulation
	}
	priv := new(mlkem1024.PrivateKey)
	if err := priv.Unpack(private); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	ss := make([]byte, mlkem1024.SharedKeySize)
	priv.DecapsulateTo(ss, ciphertext)
	return ss, nil
}
