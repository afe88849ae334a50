package transfer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"sync"
)

var (
	ErrAssemblyIncomplete = errors.New("transfer: assembly incomplete")
	ErrChunkIndexRange    = errors.New("transfer: chunk index out of range")
)

// Assembler collects received plaintext chunks and reproduces the original
// file. It survives only in memory by default; a resumed transfer refills it
// from whatever sink the caller persisted verified chunks to.
type Assembler struct {
	mu     sync.Mutex
	count  int
	chunks map[int][]byte
}

// NewAssembler creates an assembler for a file of the given chunk count.
func NewAssembler(chunkCount int) *Assembler {
	return &Assembler{count: chunkCount, chunks: make(map[int][]byte)}
}

// Put stores a verified chunk. Re-putting the same index overwrites it.
func (a *Assembler) Put(index int, data []byte) error {
	if index < 0 || index >= a.count {
		return ErrChunkIndexRange
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks[index] = data
	return nil
}

// Has reports whether a chunk has been stored.
func (a *Assembler) Has(index int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.chunks[index]
	return ok
}

// Complete reports whether every chunk has been stored.
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks) == a.count
}

// Bytes concatenates the chunks in index order.
func (a *Assembler) Bytes() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.chunks) != a.count {
		return nil, ErrAssemblyIncomplete
	}
	var buf bytes.Buffer
	for i := 0; i < a.count; i++ {
		buf.Write(a.chunks[i])
	}
	return buf.Bytes(), nil
}

// FileHash recomputes the whole-file hash over the assembled chunks.
func (a *Assembler) FileHash() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.chunks) != a.count {
		return nil, ErrAssemblyIncomplete
	}
	h := sha256.New()
	for i := 0; i < a.count; i++ {
		h.Write(a.chunks[i])
	}
	return h.Sum(nil), nil
}
