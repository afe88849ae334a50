package store

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/tallowteam/tallow-go/tallow/transfer"
)

func testManifest(chunks int) transfer.Manifest {
	return transfer.Manifest{
		Name:       "file.bin",
		TotalSize:  int64(chunks) * 256,
		ChunkSize:  256,
		ChunkCount: chunks,
		FileHash:   transfer.HashChunk([]byte("whole")),
	}
}

func TestStatusTransitions(t *testing.T) {
	valid := []struct{ from, to ChunkStatus }{
		{StatusPending, StatusSent},
		{StatusSent, StatusAcked},
		{StatusAcked, StatusVerified},
		{StatusPending, StatusVerified},
		{StatusSent, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusPending, StatusPending},
	}
	for _, tc := range valid {
		if !validTransition(tc.from, tc.to) {
			t.Fatalf("%v -> %v should be valid", tc.from, tc.to)
		}
	}
	invalid := []struct{ from, to ChunkStatus }{
		{StatusVerified, StatusFailed},
		{StatusVerified, StatusPending},
		{StatusVerified, StatusSent},
		{StatusAcked, StatusSent},
		{StatusSent, StatusPending},
	}
	for _, tc := range invalid {
		if validTransition(tc.from, tc.to) {
			t.Fatalf("%v -> %v should be invalid", tc.from, tc.to)
		}
	}
}

func TestBitmapNibblePacking(t *testing.T) {
	b := NewBitmap(9)
	if err := b.Set(8, StatusVerified); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Set(0, StatusSent); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if st, _ := b.Get(8); st != StatusVerified {
		t.Fatalf("chunk 8 status %v", st)
	}
	if st, _ := b.Get(0); st != StatusSent {
		t.Fatalf("chunk 0 status %v", st)
	}
	if st, _ := b.Get(1); st != StatusPending {
		t.Fatalf("chunk 1 status %v", st)
	}
	if _, err := b.Get(9); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("out of range Get: %v", err)
	}
	if got := b.CountStatus(StatusVerified); got != 1 {
		t.Fatalf("verified count %d", got)
	}
}

func TestMarkPersistsBeforeReturn(t *testing.T) {
	backend := NewMemoryBackend()
	st := New(backend)
	if _, err := st.Create("t1", testManifest(4)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Mark("t1", 2, StatusSent); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	// A second store over the same backend sees the change immediately.
	other := New(backend)
	status, err := other.Status("t1", 2)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusSent {
		t.Fatalf("status %v, want sent", status)
	}
}

func TestMarkRejectsInvalidTransition(t *testing.T) {
	st := New(NewMemoryBackend())
	if _, err := st.Create("t1", testManifest(2)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Mark("t1", 0, StatusVerified); err != nil {
		t.Fatalf("Mark verified: %v", err)
	}
	if err := st.Mark("t1", 0, StatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("verified->failed: %v", err)
	}
	if err := st.Mark("t1", 0, StatusVerified); err != nil {
		t.Fatalf("re-mark same status: %v", err)
	}
}

func TestPendingChunksSnapshot(t *testing.T) {
	st := New(NewMemoryBackend())
	if _, err := st.Create("t1", testManifest(6)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, i := range []int{1, 4} {
		if err := st.Mark("t1", i, StatusVerified); err != nil {
			t.Fatalf("Mark %d: %v", i, err)
		}
	}

	seq, err := st.PendingChunks("t1")
	if err != nil {
		t.Fatalf("PendingChunks: %v", err)
	}
	var got []int
	for i := range seq {
		got = append(got, i)
	}
	want := []int{0, 2, 3, 5}
	if !slices.Equal(got, want) {
		t.Fatalf("pending %v, want %v", got, want)
	}

	// The sequence is restartable and unaffected by later marks.
	if err := st.Mark("t1", 0, StatusVerified); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	var again []int
	for i := range seq {
		again = append(again, i)
	}
	if !slices.Equal(again, want) {
		t.Fatalf("restart %v, want %v", again, want)
	}
}

func TestCreateDuplicate(t *testing.T) {
	st := New(NewMemoryBackend())
	if _, err := st.Create("t1", testManifest(2)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create("t1", testManifest(2)); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Create: %v", err)
	}
}

func TestRecordExpiry(t *testing.T) {
	st := New(NewMemoryBackend())
	base := time.Now()
	st.now = func() time.Time { return base }
	if _, err := st.Create("t1", testManifest(2)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st.now = func() time.Time { return base.Add(DefaultRecordTTL + time.Hour) }
	if _, err := st.Load("t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired Load: %v", err)
	}
	// The id becomes reusable after expiry.
	if _, err := st.Create("t1", testManifest(2)); err != nil {
		t.Fatalf("Create after expiry: %v", err)
	}
}

func TestVerifiedCount(t *testing.T) {
	st := New(NewMemoryBackend())
	if _, err := st.Create("t1", testManifest(5)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, i := range []int{0, 3} {
		if err := st.Mark("t1", i, StatusVerified); err != nil {
			t.Fatalf("Mark: %v", err)
		}
	}
	v, total, err := st.VerifiedCount("t1")
	if err != nil {
		t.Fatalf("VerifiedCount: %v", err)
	}
	if v != 2 || total != 5 {
		t.Fatalf("got %d/%d, want 2/5", v, total)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	st := New(backend)
	if _, err := st.Create("resume-me", testManifest(3)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Mark("resume-me", 1, StatusVerified); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	// Fresh store and backend over the same directory, as after a restart.
	backend2, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	st2 := New(backend2)
	rec, err := st2.Load("resume-me")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Manifest.ChunkCount != 3 {
		t.Fatalf("manifest lost: %+v", rec.Manifest)
	}
	if status, _ := st2.Status("resume-me", 1); status != StatusVerified {
		t.Fatalf("status %v, want verified", status)
	}

	if err := st2.Delete("resume-me"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st2.Load("resume-me"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after Delete: %v", err)
	}
}

func TestFileBackendRejectsBadIDs(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	for _, id := range []string{"", "../escape", "a/b", "dot.dot"} {
		if err := backend.Put(id, []byte("x")); err == nil {
			t.Fatalf("id %q accepted", id)
		}
	}
}

func TestBlobStore(t *testing.T) {
	backend := NewMemoryBackend()
	blobs := NewBlobStore(backend)
	if err := blobs.PutChunk("t1", 3, []byte("chunk three")); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	data, err := blobs.GetChunk("t1", 3)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if string(data) != "chunk three" {
		t.Fatalf("data mismatch")
	}
	if _, err := blobs.GetChunk("t1", 4); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing blob: %v", err)
	}
	if err := blobs.DeleteChunks("t1", 8); err != nil {
		t.Fatalf("DeleteChunks: %v", err)
	}
	if _, err := blobs.GetChunk("t1", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}
