package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallowteam/tallow-go/tallow/transfer"
)

// ChunkStatus tracks one chunk through the transfer.
type ChunkStatus uint8

const (
	StatusPending ChunkStatus = iota
	StatusSent                // sent, not yet acknowledged
	StatusAcked
	StatusVerified
	StatusFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent-unacked"
	case StatusAcked:
		return "acknowledged"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("store: invalid chunk status transition")
	ErrIndexRange        = errors.New("store: chunk index out of range")
)

// validTransition enforces pending → sent → acked → verified, with failed
// reachable from any non-verified state and looping back to pending for
// retry. Forward jumps are allowed (a receiver record never passes through
// sent). Verified is terminal.
func validTransition(from, to ChunkStatus) bool {
	if from == to {
		return true
	}
	if to == StatusFailed {
		return from != StatusVerified
	}
	if from == StatusFailed {
		return to == StatusPending
	}
	return to > from
}

// Bitmap packs one chunk status per nibble for compact persistence and
// cheap diffing on resume.
type Bitmap struct {
	count int
	bits  []byte
}

// NewBitmap creates a bitmap with every chunk pending.
func NewBitmap(chunkCount int) Bitmap {
	return Bitmap{count: chunkCount, bits: make([]byte, (chunkCount+1)/2)}
}

// Count returns the number of chunks tracked.
func (b Bitmap) Count() int { return b.count }

// Get returns the status of the chunk at index.
func (b Bitmap) Get(index int) (ChunkStatus, error) {
	if index < 0 || index >= b.count {
		return 0, ErrIndexRange
	}
	nib := b.bits[index/2]
	if index%2 == 1 {
		nib >>= 4
	}
	return ChunkStatus(nib & 0x0f), nil
}

// Set records a status, validating the transition.
func (b Bitmap) Set(index int, status ChunkStatus) error {
	cur, err := b.Get(index)
	if err != nil {
		return err
	}
	if !validTransition(cur, status) {
		return fmt.Errorf("%w: %s -> %s (chunk %d)", ErrInvalidTransition, cur, status, index)
	}
	pos := index / 2
	if index%2 == 1 {
		b.bits[pos] = b.bits[pos]&0x0f | byte(status)<<4
	} else {
		b.bits[pos] = b.bits[pos]&0xf0 | byte(status)
	}
	return nil
}

// CountStatus returns how many chunks carry the given status.
func (b Bitmap) CountStatus(status ChunkStatus) int {
	n := 0
	for i := 0; i < b.count; i++ {
		s, _ := b.Get(i)
		if s == status {
			n++
		}
	}
	return n
}

// Clone returns an independent copy; iteration snapshots use it.
func (b Bitmap) Clone() Bitmap {
	bits := make([]byte, len(b.bits))
	copy(bits, b.bits)
	return Bitmap{count: b.count, bits: bits}
}

type bitmapJSON struct {
	Count int    `json:"count"`
	Bits  string `json:"bits"`
}

func (b Bitmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(bitmapJSON{Count: b.count, Bits: base64.StdEncoding.EncodeToString(b.bits)})
}

func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var bj bitmapJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return err
	}
	bits, err := base64.StdEncoding.DecodeString(bj.Bits)
	if err != nil {
		return err
	}
	if len(bits) != (bj.Count+1)/2 {
		return errors.New("store: bitmap length mismatch")
	}
	b.count = bj.Count
	b.bits = bits
	return nil
}

// Record is the persisted resumption unit for one transfer. It carries no
// key material; it is the only state that survives a process restart.
type Record struct {
	TransferID string            `json:"transfer_id"`
	Manifest   transfer.Manifest `json:"manifest"`
	Bitmap     Bitmap            `json:"bitmap"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Expired reports whether the record has passed its expiry time.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
