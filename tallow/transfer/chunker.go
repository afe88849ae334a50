package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// DefaultChunkSize is the default chunk size (256 KB).
const DefaultChunkSize = 256 * 1024

var ErrNoChunks = errors.New("transfer: file produced no chunks")

// Chunk is one fixed-size slice of the file. The ordered sequence of chunks
// is immutable once the file is segmented.
type Chunk struct {
	Index int
	Data  []byte
	Hash  []byte
}

// Manifest describes a segmented file. It travels to the receiver during
// the metadata exchange and anchors final whole-file verification.
type Manifest struct {
	Name       string `json:"name"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int    `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
	FileHash   []byte `json:"file_hash"`
}

// FileHashHex returns the whole-file hash as a hex string.
func (m Manifest) FileHashHex() string { return hex.EncodeToString(m.FileHash) }

// Chunker splits data into fixed-size chunks.
type Chunker struct {
	chunkSize int
}

// NewChunker creates a chunker with the specified chunk size.
func NewChunker(chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{chunkSize: chunkSize}
}

// ChunkSize returns the configured chunk size.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Split segments data into chunks, computing per-chunk hashes and the
// manifest with the whole-file hash.
func (c *Chunker) Split(name string, data []byte) ([]Chunk, Manifest, error) {
	var chunks []Chunk
	whole := sha256.New()
	for i := 0; i < len(data); i += c.chunkSize {
		end := i + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		part := data[i:end]
		whole.Write(part)
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Data:  part,
			Hash:  HashChunk(part),
		})
	}
	if len(chunks) == 0 {
		return nil, Manifest{}, ErrNoChunks
	}
	m := Manifest{
		Name:       name,
		TotalSize:  int64(len(data)),
		ChunkSize:  c.chunkSize,
		ChunkCount: len(chunks),
		FileHash:   whole.Sum(nil),
	}
	return chunks, m, nil
}

// SplitReader segments data from a reader.
func (c *Chunker) SplitReader(name string, r io.Reader) ([]Chunk, Manifest, error) {
	var chunks []Chunk
	whole := sha256.New()
	var total int64
	buf := make([]byte, c.chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			part := make([]byte, n)
			copy(part, buf[:n])
			whole.Write(part)
			total += int64(n)
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Data:  part,
				Hash:  HashChunk(part),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, Manifest{}, err
		}
	}
	if len(chunks) == 0 {
		return nil, Manifest{}, ErrNoChunks
	}
	m := Manifest{
		Name:       name,
		TotalSize:  total,
		ChunkSize:  c.chunkSize,
		ChunkCount: len(chunks),
		FileHash:   whole.Sum(nil),
	}
	return chunks, m, nil
}

// HashChunk computes the SHA-256 hash of a data chunk.
func HashChunk(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
