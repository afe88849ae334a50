package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/tallowteam/tallow-go/tallow/transfer"
)

var (
	// ErrNotFound is returned for unknown or expired transfer ids.
	ErrNotFound = errors.New("store: transfer record not found")
	ErrExists   = errors.New("store: transfer record already exists")
)

// DefaultRecordTTL bounds how long an interrupted transfer stays resumable.
const DefaultRecordTTL = 72 * time.Hour

// Backend is the storage interface the engine reads and writes records
// through; the engine does not implement durable storage itself.
type Backend interface {
	Put(id string, data []byte) error
	Get(id string) ([]byte, error) // ErrNotFound when absent
	Delete(id string) error
}

// StateStore tracks chunk status per transfer and persists it after every
// change. Persistence failures surface synchronously to the caller of the
// mutating operation; a missed update is never silently dropped.
type StateStore struct {
	mu      sync.Mutex
	backend Backend
	cache   map[string]*Record
	ttl     time.Duration
	now     func() time.Time
}

// New creates a state store over the given backend.
func New(backend Backend) *StateStore {
	return &StateStore{
		backend: backend,
		cache:   make(map[string]*Record),
		ttl:     DefaultRecordTTL,
		now:     time.Now,
	}
}

// Create starts tracking a transfer. Fails with ErrExists if the id is
// already in use and not expired.
func (s *StateStore) Create(transferID string, m transfer.Manifest) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadLocked(transferID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, transferID)
	}
	now := s.now()
	rec := &Record{
		TransferID: transferID,
		Manifest:   m,
		Bitmap:     NewBitmap(m.ChunkCount),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.persistLocked(rec); err != nil {
		return nil, err
	}
	s.cache[transferID] = rec
	return rec, nil
}

// Load fetches the record for a transfer id. Expired records are removed
// and reported as ErrNotFound.
func (s *StateStore) Load(transferID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(transferID)
}

// Mark records a chunk status change and persists the record before
// returning.
func (s *StateStore) Mark(transferID string, index int, status ChunkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked(transferID)
	if err != nil {
		return err
	}
	if err := rec.Bitmap.Set(index, status); err != nil {
		return err
	}
	return s.persistLocked(rec)
}

// Status returns the current status of one chunk.
func (s *StateStore) Status(transferID string, index int) (ChunkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadLocked(transferID)
	if err != nil {
		return 0, err
	}
	return rec.Bitmap.Get(index)
}

// PendingChunks yields, in index order, every chunk not yet verified. The
// sequence snapshots the record at call time: it is finite, restartable,
// and unaffected by concurrent marks. Verified chunks never reappear.
func (s *StateStore) PendingChunks(transferID string) (iter.Seq[int], error) {
	s.mu.Lock()
	rec, err := s.loadLocked(transferID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snap := rec.Bitmap.Clone()
	s.mu.Unlock()

	return func(yield func(int) bool) {
		for i := 0; i < snap.Count(); i++ {
			st, _ := snap.Get(i)
			if st == StatusVerified {
				continue
			}
			if !yield(i) {
				return
			}
		}
	}, nil
}

// VerifiedCount returns (verified, total) for progress reporting.
func (s *StateStore) VerifiedCount(transferID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadLocked(transferID)
	if err != nil {
		return 0, 0, err
	}
	return rec.Bitmap.CountStatus(StatusVerified), rec.Bitmap.Count(), nil
}

// Delete removes a completed or abandoned transfer record.
func (s *StateStore) Delete(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, transferID)
	return s.backend.Delete(transferID)
}

func (s *StateStore) loadLocked(transferID string) (*Record, error) {
	if rec, ok := s.cache[transferID]; ok {
		if rec.Expired(s.now()) {
			delete(s.cache, transferID)
			_ = s.backend.Delete(transferID)
			return nil, ErrNotFound
		}
		return rec, nil
	}
	data, err := s.backend.Get(transferID)
	if err != nil {
		return nil, err
	}
	rec := new(Record)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("store: corrupt record %s: %w", transferID, err)
	}
	if rec.Expired(s.now()) {
		_ = s.backend.Delete(transferID)
		return nil, ErrNotFound
	}
	s.cache[transferID] = rec
	return rec, nil
}

func (s *StateStore) persistLocked(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Put(rec.TransferID, data)
}
