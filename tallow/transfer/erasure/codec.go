package erasure

import (
	"encoding/binary"
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("erasure: too many shards lost, cannot recover")
	ErrInvalidConfig = errors.New("erasure: invalid data/parity configuration")
	ErrGroupSize     = errors.New("erasure: wrong number of shards in group")
	ErrShardCorrupt  = errors.New("erasure: recovered shard is malformed")
)

// Codec computes and consumes parity for groups of sealed chunk payloads.
// Payloads within a group may differ in length; each is framed with a
// 4-byte length prefix and padded to the group's shard size.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// NewCodec creates a codec with dataShards payloads per group and
// parityShards parity blocks (up to that many losses are recoverable).
func NewCodec(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Codec{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

// DataShards returns the number of payloads per group.
func (c *Codec) DataShards() int { return c.dataShards }

// ParityShards returns the number of parity blocks per group.
func (c *Codec) ParityShards() int { return c.parityShards }

// Encode computes parity for a full group of sealed payloads.
// Returns the parity blocks and the shard size needed for recovery.
func (c *Codec) Encode(group [][]byte) (parity [][]byte, shardSize int, err error) {
	if len(group) != c.dataShards {
		return nil, 0, ErrGroupSize
	}
	maxLen := 0
	for _, p := range group {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	shardSize = 4 + maxLen

	shards := make([][]byte, c.dataShards+c.parityShards)
	for i, p := range group {
		shards[i] = frameShard(p, shardSize)
	}
	for i := c.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, shardSize)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, 0, err
	}
	return shards[c.dataShards:], shardSize, nil
}

// Recover reconstructs missing payloads in a group. Missing payloads and
// missing parity blocks are nil entries. On success the returned slice has
// every payload present, with original lengths restored.
func (c *Codec) Recover(group [][]byte, parity [][]byte, shardSize int) ([][]byte, error) {
	if len(group) != c.dataShards || len(parity) != c.parityShards {
		return nil, ErrGroupSize
	}
	shards := make([][]byte, c.dataShards+c.parityShards)
	for i, p := range group {
		if p != nil {
			shards[i] = frameShard(p, shardSize)
		}
	}
	for i, p := range parity {
		if p != nil {
			shards[c.dataShards+i] = p
		}
	}
	if err := c.enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, ErrTooManyLost
		}
		return nil, err
	}

	out := make([][]byte, c.dataShards)
	for i := 0; i < c.dataShards; i++ {
		payload, err := unframeShard(shards[i])
		if err != nil {
			return nil, err
		}
		out[i] = payload
	}
	return out, nil
}

func frameShard(payload []byte, shardSize int) []byte {
	shard := make([]byte, shardSize)
	binary.BigEndian.PutUint32(shard[:4], uint32(len(payload)))
	copy(shard[4:], payload)
	return shard
}

func unframeShard(shard []byte) ([]byte, error) {
	if len(shard) < 4 {
		return nil, ErrShardCorrupt
	}
	n := int(binary.BigEndian.Uint32(shard[:4]))
	if n > len(shard)-4 {
		return nil, ErrShardCorrupt
	}
	out := make([]byte, n)
	copy(out, shard[4:4+n])
	return out, nil
}
