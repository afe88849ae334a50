package transfer

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCompressionFailed   = errors.New("transfer: compression failed")
	ErrDecompressionFailed = errors.New("transfer: decompression failed")
	ErrChunkHashMismatch   = errors.New("transfer: chunk hash mismatch")
)

// compressorPool reuses LZ4 writers to reduce allocations.
var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

// decompressorPool reuses LZ4 readers.
var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Compress compresses data using LZ4. Chunks are compressed before sealing;
// ciphertext does not compress.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))

	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

// Decompress decompresses LZ4-compressed data.
func Decompress(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, ErrDecompressionFailed
	}
	return buf.Bytes(), nil
}

// PackChunk compresses a chunk's payload when beneficial, returning the
// bytes to seal and whether they are compressed.
func PackChunk(c Chunk) (payload []byte, compressed bool) {
	packed, err := Compress(c.Data)
	if err != nil || len(packed) >= len(c.Data) {
		return c.Data, false
	}
	return packed, true
}

// UnpackChunk reverses PackChunk and verifies the chunk hash.
func UnpackChunk(index int, payload []byte, compressed bool, wantHash []byte) (Chunk, error) {
	data := payload
	if compressed {
		var err error
		data, err = Decompress(payload)
		if err != nil {
			return Chunk{}, err
		}
	}
	hash := HashChunk(data)
	if !bytes.Equal(hash, wantHash) {
		return Chunk{}, ErrChunkHashMismatch
	}
	return Chunk{Index: index, Data: data, Hash: hash}, nil
}
