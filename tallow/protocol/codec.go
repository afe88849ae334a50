package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFramePayload limits a single protocol frame payload.
	MaxFramePayload = 4 << 20 // 4 MiB

	frameHeaderSize = 1 + 1 + 4 // version + type + length
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame payload too large")
	ErrInvalidType   = errors.New("protocol: invalid message type")
	// ErrVersionMismatch marks a frame from an incompatible protocol
	// version. It is fatal to the session.
	ErrVersionMismatch = errors.New("protocol: version mismatch")
)

// Frame is the basic wire container for one logical protocol message.
// Format:
//
//	1 byte: protocol version
//	1 byte: type
//	4 bytes: payload length (big endian)
//	N bytes: payload
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes a frame for an opaque message channel.
func (f Frame) Encode() ([]byte, error) {
	if f.Type == 0 {
		return nil, ErrInvalidType
	}
	if len(f.Payload) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = Version
	out[1] = byte(f.Type)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(f.Payload)))
	copy(out[frameHeaderSize:], f.Payload)
	return out, nil
}

// Decode parses one frame, refusing incompatible versions.
func Decode(data []byte) (Frame, error) {
	if len(data) < frameHeaderSize {
		return Frame{}, errors.New("protocol: frame too short")
	}
	if v := data[0]; v < MinVersion || v > Version {
		return Frame{}, fmt.Errorf("%w: got %d, support %d..%d", ErrVersionMismatch, v, MinVersion, Version)
	}
	mt := MessageType(data[1])
	if mt == 0 {
		return Frame{}, ErrInvalidType
	}
	payloadLen := binary.BigEndian.Uint32(data[2:6])
	if payloadLen > MaxFramePayload {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, payloadLen)
	}
	if len(data) != frameHeaderSize+int(payloadLen) {
		return Frame{}, errors.New("protocol: frame length mismatch")
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[frameHeaderSize:])
	return Frame{Type: mt, Payload: payload}, nil
}

// WriteFrame writes a frame to a stream transport.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadFrame reads one frame from a stream transport.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [frameHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	if v := head[0]; v < MinVersion || v > Version {
		return Frame{}, fmt.Errorf("%w: got %d, support %d..%d", ErrVersionMismatch, v, MinVersion, Version)
	}
	payloadLen := binary.BigEndian.Uint32(head[2:6])
	if payloadLen > MaxFramePayload {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, payloadLen)
	}
	buf := make([]byte, frameHeaderSize+payloadLen)
	copy(buf, head[:])
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, buf[frameHeaderSize:]); err != nil {
			return Frame{}, err
		}
	}
	return Decode(buf)
}
