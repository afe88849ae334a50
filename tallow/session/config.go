package session

import (
	"time"

	"github.com/tallowteam/tallow-go/tallow/crypto"
	"github.com/tallowteam/tallow-go/tallow/transfer"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultAckTimeout       = 30 * time.Second
	DefaultSendWindow       = 16
	DefaultMaxRetries       = 5
	DefaultParityGroup      = 8
	DefaultEventBuffer      = 64
)

// Config fixes a session's cryptographic backends and tuning at
// construction time. The zero value selects ML-KEM-768, ChaCha20-Poly1305
// and the defaults below; the KEM parameter set is deliberately a
// configuration choice, not a protocol constant.
type Config struct {
	Kem  crypto.KemScheme
	Aead crypto.AeadScheme

	ChunkSize int

	// Ratchet tuning; zero values take the ratchet package defaults.
	MaxSkip            int
	RekeyAfterMessages uint64
	RekeyInterval      time.Duration

	HandshakeTimeout time.Duration
	AckTimeout       time.Duration

	// SendWindow bounds how many chunks may be in flight unacknowledged.
	SendWindow int
	// MaxRetries bounds per-chunk retransmissions before the session fails.
	MaxRetries int

	// DisableCompression turns off per-chunk LZ4 compression.
	DisableCompression bool

	// ParityShards enables Reed-Solomon repair: after each group of
	// ParityGroup sealed chunks the sender emits that many parity blocks.
	// Zero disables parity.
	ParityShards int
	ParityGroup  int

	// EventBuffer sizes the observable event channel.
	EventBuffer int
}

func (c *Config) fill() {
	if c.Kem == nil {
		c.Kem = crypto.MLKEM768()
	}
	if c.Aead == nil {
		c.Aead = crypto.ChaCha20Poly1305()
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = transfer.DefaultChunkSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.SendWindow <= 0 {
		c.SendWindow = DefaultSendWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ParityGroup <= 0 {
		c.ParityGroup = DefaultParityGroup
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}
