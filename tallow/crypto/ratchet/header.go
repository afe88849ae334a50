package ratchet

import (
	"encoding/binary"
	"errors"
)

var ErrHeaderTooShort = errors.New("ratchet: header too short")

// Header accompanies every ratcheted message. It carries the counters the
// peer needs to line up its receiving chain, the sender's current DH ratchet
// public key, and, when an epoch re-key is in flight, the ML-KEM public key
// being announced or the ciphertext answering an announcement.
type Header struct {
	Epoch uint32
	DHPub [32]byte
	PN    uint32 // messages sent under the previous sending chain
	N     uint32 // message number within the current sending chain
	KemPub []byte // set while announcing an epoch re-key
	KemCT  []byte // set while answering one
}

const headerFixedSize = 4 + 32 + 4 + 4 + 2 + 2

// Encode serializes the header.
// Layout: epoch(4) dhpub(32) pn(4) n(4) kemPubLen(2) kemCTLen(2) kemPub kemCT.
func (h Header) Encode() []byte {
	out := make([]byte, headerFixedSize+len(h.KemPub)+len(h.KemCT))
	binary.BigEndian.PutUint32(out[0:4], h.Epoch)
	copy(out[4:36], h.DHPub[:])
	binary.BigEndian.PutUint32(out[36:40], h.PN)
	binary.BigEndian.PutUint32(out[40:44], h.N)
	binary.BigEndian.PutUint16(out[44:46], uint16(len(h.KemPub)))
	binary.BigEndian.PutUint16(out[46:48], uint16(len(h.KemCT)))
	off := headerFixedSize
	copy(out[off:], h.KemPub)
	off += len(h.KemPub)
	copy(out[off:], h.KemCT)
	return out
}

// DecodeHeader deserializes a header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < headerFixedSize {
		return Header{}, ErrHeaderTooShort
	}
	var h Header
	h.Epoch = binary.BigEndian.Uint32(data[0:4])
	copy(h.DHPub[:], data[4:36])
	h.PN = binary.BigEndian.Uint32(data[36:40])
	h.N = binary.BigEndian.Uint32(data[40:44])
	pubLen := int(binary.BigEndian.Uint16(data[44:46]))
	ctLen := int(binary.BigEndian.Uint16(data[46:48]))
	if len(data) != headerFixedSize+pubLen+ctLen {
		return Header{}, ErrHeaderTooShort
	}
	off := headerFixedSize
	if pubLen > 0 {
		h.KemPub = make([]byte, pubLen)
		copy(h.KemPub, data[off:off+pubLen])
		off += pubLen
	}
	if ctLen > 0 {
		h.KemCT = make([]byte, ctLen)
		copy(h.KemCT, data[off:off+ctLen])
	}
	return h, nil
}
