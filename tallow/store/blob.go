package store

import (
	"errors"
	"fmt"
)

// BlobStore persists received chunk payloads next to the transfer record so
// an interrupted receive can resume without re-fetching verified chunks.
// Blobs share the record backend under derived ids.
type BlobStore struct {
	backend Backend
}

func NewBlobStore(backend Backend) *BlobStore {
	return &BlobStore{backend: backend}
}

func blobID(transferID string, index int) string {
	return fmt.Sprintf("%s-b%08d", transferID, index)
}

func (b *BlobStore) PutChunk(transferID string, index int, data []byte) error {
	return b.backend.Put(blobID(transferID, index), data)
}

func (b *BlobStore) GetChunk(transferID string, index int) ([]byte, error) {
	return b.backend.Get(blobID(transferID, index))
}

// DeleteChunks removes all blobs for a finished or abandoned transfer.
func (b *BlobStore) DeleteChunks(transferID string, chunkCount int) error {
	var firstErr error
	for i := 0; i < chunkCount; i++ {
		err := b.backend.Delete(blobID(transferID, i))
		if err != nil && !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
