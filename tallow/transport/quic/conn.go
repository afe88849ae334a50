package quic

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	q "github.com/quic-go/quic-go"

	"github.com/tallowteam/tallow-go/tallow/protocol"
)

// Conn is one ordered, reliable frame channel between two peers: a single
// bidirectional QUIC stream. Send and Recv may be used from different
// goroutines; multiple concurrent senders are serialized.
type Conn struct {
	conn   q.Connection
	stream q.Stream

	sendMu sync.Mutex
	rd     *bufio.Reader
	rdOnce sync.Once
}

// Send writes one encoded protocol frame. Frames produced by a session's
// Start, Drive and Tick methods are passed through unmodified.
func (c *Conn) Send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.stream.Write(frame)
	return err
}

// SendAll writes a batch of frames in order.
func (c *Conn) SendAll(frames [][]byte) error {
	for _, f := range frames {
		if err := c.Send(f); err != nil {
			return err
		}
	}
	return nil
}

// Recv reads one complete encoded frame off the stream, returning the raw
// bytes for Session.Drive. Version checking is left to the session so a
// mismatch surfaces through its state machine.
func (c *Conn) Recv() ([]byte, error) {
	c.rdOnce.Do(func() { c.rd = bufio.NewReader(c.stream) })

	head := make([]byte, 6)
	if _, err := io.ReadFull(c.rd, head); err != nil {
		return nil, err
	}
	payloadLen := binary.BigEndian.Uint32(head[2:6])
	if payloadLen > protocol.MaxFramePayload {
		return nil, fmt.Errorf("%w: %d", protocol.ErrFrameTooLarge, payloadLen)
	}
	frame := make([]byte, len(head)+int(payloadLen))
	copy(frame, head)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.rd, frame[len(head):]); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (c *Conn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "done")
}

func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
