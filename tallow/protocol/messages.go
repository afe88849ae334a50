package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

var ErrMessageTruncated = errors.New("protocol: message truncated")

// KeyExchange opens a session. It travels in the clear: it carries only
// public material plus the scheme names both sides must agree on.
type KeyExchange struct {
	TransferID string `json:"transfer_id"`
	KemScheme  string `json:"kem_scheme"`
	AeadScheme string `json:"aead_scheme"`
	Material   []byte `json:"material"`
	Resume     bool   `json:"resume,omitempty"`
}

// KeyExchangeReply answers with the responder's public material (KEM
// ciphertext plus classical public key).
type KeyExchangeReply struct {
	TransferID string `json:"transfer_id"`
	Material   []byte `json:"material"`
}

// KeyConfirm proves both sides derived the same combined secret: an HMAC
// over the session transcript under a key derived from the secret.
type KeyConfirm struct {
	TransferID string `json:"transfer_id"`
	Tag        []byte `json:"tag"`
}

// Envelope wraps a ratcheted control message: the ratchet header in the
// clear (it is authenticated as associated data) plus the sealed payload.
type Envelope struct {
	HeaderBytes []byte
	Ciphertext  []byte
}

// Encode serializes an envelope: 2-byte header length, header, ciphertext.
func (e Envelope) Encode() []byte {
	out := make([]byte, 2+len(e.HeaderBytes)+len(e.Ciphertext))
	binary.BigEndian.PutUint16(out[:2], uint16(len(e.HeaderBytes)))
	copy(out[2:], e.HeaderBytes)
	copy(out[2+len(e.HeaderBytes):], e.Ciphertext)
	return out
}

// DecodeEnvelope deserializes an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) < 2 {
		return Envelope{}, ErrMessageTruncated
	}
	hl := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+hl {
		return Envelope{}, ErrMessageTruncated
	}
	e := Envelope{
		HeaderBytes: make([]byte, hl),
		Ciphertext:  make([]byte, len(data)-2-hl),
	}
	copy(e.HeaderBytes, data[2:2+hl])
	copy(e.Ciphertext, data[2+hl:])
	return e, nil
}

// ChunkMessage carries one sealed chunk. The index is in the clear so the
// receiver can derive the nonce and route acknowledgments; it is bound into
// the associated data, so reordering or substitution fails authentication.
type ChunkMessage struct {
	HeaderBytes []byte
	Index       uint64
	Ciphertext  []byte
}

// Encode serializes a chunk message:
// 2-byte header length, header, 8-byte index, ciphertext.
func (m ChunkMessage) Encode() []byte {
	out := make([]byte, 2+len(m.HeaderBytes)+8+len(m.Ciphertext))
	binary.BigEndian.PutUint16(out[:2], uint16(len(m.HeaderBytes)))
	off := 2
	copy(out[off:], m.HeaderBytes)
	off += len(m.HeaderBytes)
	binary.BigEndian.PutUint64(out[off:], m.Index)
	off += 8
	copy(out[off:], m.Ciphertext)
	return out
}

// DecodeChunkMessage deserializes a chunk message.
func DecodeChunkMessage(data []byte) (ChunkMessage, error) {
	if len(data) < 2 {
		return ChunkMessage{}, ErrMessageTruncated
	}
	hl := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+hl+8 {
		return ChunkMessage{}, ErrMessageTruncated
	}
	m := ChunkMessage{HeaderBytes: make([]byte, hl)}
	copy(m.HeaderBytes, data[2:2+hl])
	m.Index = binary.BigEndian.Uint64(data[2+hl : 2+hl+8])
	m.Ciphertext = make([]byte, len(data)-2-hl-8)
	copy(m.Ciphertext, data[2+hl+8:])
	return m, nil
}

// ChunkPayload is the plaintext sealed inside a ChunkMessage.
type ChunkPayload struct {
	Compressed bool
	Hash       []byte // SHA-256 of the uncompressed chunk
	Data       []byte
}

// Encode serializes a chunk payload: 1-byte flags, 32-byte hash, data.
func (p ChunkPayload) Encode() []byte {
	out := make([]byte, 1+32+len(p.Data))
	if p.Compressed {
		out[0] = 1
	}
	copy(out[1:33], p.Hash)
	copy(out[33:], p.Data)
	return out
}

// DecodeChunkPayload deserializes a chunk payload.
func DecodeChunkPayload(data []byte) (ChunkPayload, error) {
	if len(data) < 33 {
		return ChunkPayload{}, ErrMessageTruncated
	}
	p := ChunkPayload{Compressed: data[0]&1 == 1, Hash: make([]byte, 32)}
	copy(p.Hash, data[1:33])
	p.Data = make([]byte, len(data)-33)
	copy(p.Data, data[33:])
	return p, nil
}

// Offer is the sealed metadata exchange: the file manifest, sent by the
// sender right after key confirmation.
type Offer struct {
	TransferID string          `json:"transfer_id"`
	Manifest   json.RawMessage `json:"manifest"`
}

// OfferAck accepts an offer. On resume it reports which chunks the
// receiver has already verified, one bit per chunk.
type OfferAck struct {
	TransferID   string `json:"transfer_id"`
	Accept       bool   `json:"accept"`
	VerifiedBits []byte `json:"verified_bits,omitempty"`
}

// Ack acknowledges one chunk. OK=false asks for retransmission (the seal
// failed to open or the chunk hash did not match).
type Ack struct {
	Index uint64 `json:"index"`
	OK    bool   `json:"ok"`
}

// Complete reports the receiver's final whole-file verification result.
type Complete struct {
	TransferID string `json:"transfer_id"`
	FileHash   []byte `json:"file_hash"`
	OK         bool   `json:"ok"`
}

// ErrorMessage is the generic error notification. Code is a stable error
// kind; no cryptographic values ever appear here.
type ErrorMessage struct {
	TransferID string `json:"transfer_id"`
	Code       string `json:"code"`
	ChunkIndex int64  `json:"chunk_index,omitempty"`
}

// ParityMessage carries the Reed-Solomon parity blocks for one group of
// sealed chunks. Parity is computed over ciphertext and needs no sealing;
// a forged block can at worst produce a ciphertext that fails to open.
type ParityMessage struct {
	GroupStart   uint64
	DataShards   uint16
	ParityShards uint16
	ShardSize    uint32
	Blocks       [][]byte
}

// Encode serializes a parity message.
func (m ParityMessage) Encode() []byte {
	size := 8 + 2 + 2 + 4
	for _, b := range m.Blocks {
		size += 4 + len(b)
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint64(out[0:8], m.GroupStart)
	binary.BigEndian.PutUint16(out[8:10], m.DataShards)
	binary.BigEndian.PutUint16(out[10:12], m.ParityShards)
	binary.BigEndian.PutUint32(out[12:16], m.ShardSize)
	off := 16
	for _, b := range m.Blocks {
		binary.BigEndian.PutUint32(out[off:], uint32(len(b)))
		off += 4
		copy(out[off:], b)
		off += len(b)
	}
	return out
}

// DecodeParityMessage deserializes a parity message.
func DecodeParityMessage(data []byte) (ParityMessage, error) {
	if len(data) < 16 {
		return ParityMessage{}, ErrMessageTruncated
	}
	m := ParityMessage{
		GroupStart:   binary.BigEndian.Uint64(data[0:8]),
		DataShards:   binary.BigEndian.Uint16(data[8:10]),
		ParityShards: binary.BigEndian.Uint16(data[10:12]),
		ShardSize:    binary.BigEndian.Uint32(data[12:16]),
	}
	off := 16
	for off < len(data) {
		if off+4 > len(data) {
			return ParityMessage{}, ErrMessageTruncated
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			return ParityMessage{}, ErrMessageTruncated
		}
		block := make([]byte, n)
		copy(block, data[off:off+n])
		off += n
		m.Blocks = append(m.Blocks, block)
	}
	return m, nil
}
