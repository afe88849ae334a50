package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tallowteam/tallow-go/tallow/protocol"
	"github.com/tallowteam/tallow-go/tallow/store"
)

func testFile(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/13)
	}
	return data
}

type receiverEnd struct {
	sess    *Session
	store   *store.StateStore
	backend *store.MemoryBackend
	blobs   *store.BlobStore
}

func newReceiverEnd(t *testing.T, cfg Config) *receiverEnd {
	t.Helper()
	backend := store.NewMemoryBackend()
	st := store.New(backend)
	blobs := store.NewBlobStore(backend)
	sess, err := NewReceiver(cfg, st, blobs)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	return &receiverEnd{sess: sess, store: st, backend: backend, blobs: blobs}
}

// tapFunc intercepts frames in flight. dir is "s2r" or "r2s"; returning
// false drops the frame.
type tapFunc func(dir string, frame []byte) ([]byte, bool)

// pump shuttles frames between the two ends until the wire is quiet.
func pump(t *testing.T, snd, rcv *Session, tap tapFunc) {
	t.Helper()
	toR, err := snd.Start()
	if err != nil {
		t.Fatalf("sender Start: %v", err)
	}
	if _, err := rcv.Start(); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	shuttle(t, snd, rcv, toR, tap)
}

// shuttle delivers frames between two already-started sessions until the
// wire is quiet, starting with sender-bound traffic.
func shuttle(t *testing.T, snd, rcv *Session, toR [][]byte, tap tapFunc) {
	t.Helper()
	var toS [][]byte
	for round := 0; len(toR)+len(toS) > 0; round++ {
		if round > 10000 {
			t.Fatalf("pump did not quiesce")
		}
		var nextToS, nextToR [][]byte
		for _, f := range toR {
			if tap != nil {
				var deliver bool
				if f, deliver = tap("s2r", f); !deliver {
					continue
				}
			}
			out, _ := rcv.Drive(f)
			nextToS = append(nextToS, out...)
		}
		for _, f := range toS {
			if tap != nil {
				var deliver bool
				if f, deliver = tap("r2s", f); !deliver {
					continue
				}
			}
			out, _ := snd.Drive(f)
			nextToR = append(nextToR, out...)
		}
		toR, toS = nextToR, nextToS
	}
}

func drainEvents(s *Session) []Event {
	var evs []Event
	for {
		select {
		case ev := <-s.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func countKind(evs []Event, kind EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func isChunkFrame(frame []byte) bool {
	return len(frame) > 1 && frame[1] == byte(protocol.MessageTypeChunk)
}

func TestTransferCompletes(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	data := testFile(160) // 10 chunks

	sndStore := store.New(store.NewMemoryBackend())
	snd, err := NewSender(cfg, sndStore, "test.bin", data)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	pump(t, snd, r.sess, nil)

	if st := snd.Status(); st.State != StateCompleted {
		t.Fatalf("sender state %v (err %v)", st.State, st.Err)
	}
	if st := r.sess.Status(); st.State != StateCompleted {
		t.Fatalf("receiver state %v (err %v)", st.State, st.Err)
	}

	got, manifest, err := r.sess.ReceivedFile()
	if err != nil {
		t.Fatalf("ReceivedFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("received data mismatch")
	}
	if manifest.Name != "test.bin" || manifest.ChunkCount != 10 {
		t.Fatalf("manifest: %+v", manifest)
	}

	// Completed transfers leave no resumable state behind.
	id := snd.Status().TransferID
	if _, err := sndStore.Load(id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("sender record survived: %v", err)
	}
	if _, err := r.store.Load(id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("receiver record survived: %v", err)
	}

	sndEvents := drainEvents(snd)
	if countKind(sndEvents, EventHandshakeComplete) != 1 {
		t.Fatalf("sender handshake events: %+v", sndEvents)
	}
	if countKind(sndEvents, EventChunkProgress) != 10 {
		t.Fatalf("sender progress events: %d", countKind(sndEvents, EventChunkProgress))
	}
	if countKind(sndEvents, EventCompleted) != 1 {
		t.Fatalf("sender completed events missing")
	}
	rcvEvents := drainEvents(r.sess)
	if countKind(rcvEvents, EventCompleted) != 1 {
		t.Fatalf("receiver completed events missing")
	}
}

func TestTransferRekeysUnderLoad(t *testing.T) {
	cfg := Config{ChunkSize: 16, RekeyAfterMessages: 4}
	data := testFile(320) // 20 chunks

	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", data)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	pump(t, snd, r.sess, nil)

	if st := snd.Status(); st.State != StateCompleted {
		t.Fatalf("sender state %v (err %v)", st.State, st.Err)
	}
	got, _, err := r.sess.ReceivedFile()
	if err != nil {
		t.Fatalf("ReceivedFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch after re-keying")
	}
	if snd.Status().Epoch == 0 {
		t.Fatalf("post-quantum epoch never advanced")
	}
	if snd.Status().Epoch != r.sess.Status().Epoch {
		t.Fatalf("epoch divergence: %d vs %d", snd.Status().Epoch, r.sess.Status().Epoch)
	}
}

func TestCorruptChunkIsRetransmitted(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	data := testFile(160)

	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", data)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	corrupted := false
	tap := func(dir string, frame []byte) ([]byte, bool) {
		if dir == "s2r" && isChunkFrame(frame) && !corrupted {
			corrupted = true
			bad := append([]byte(nil), frame...)
			bad[len(bad)-1] ^= 0xff // flip a ciphertext byte, header stays valid
			return bad, true
		}
		return frame, true
	}
	pump(t, snd, r.sess, tap)

	if !corrupted {
		t.Fatalf("tap never fired")
	}
	if st := snd.Status(); st.State != StateCompleted {
		t.Fatalf("sender state %v (err %v)", st.State, st.Err)
	}
	got, _, err := r.sess.ReceivedFile()
	if err != nil {
		t.Fatalf("ReceivedFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch after corruption recovery")
	}
}

func TestResumeSendsOnlyMissingChunks(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	data := testFile(160) // 10 chunks

	sndBackend := store.NewMemoryBackend()
	sndStore := store.New(sndBackend)
	snd, err := NewSender(cfg, sndStore, "big.bin", data)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	// Interrupt: only the first 4 chunks reach the receiver.
	delivered := 0
	tap := func(dir string, frame []byte) ([]byte, bool) {
		if dir == "s2r" && isChunkFrame(frame) {
			if delivered >= 4 {
				return frame, false
			}
			delivered++
		}
		return frame, true
	}
	pump(t, snd, r.sess, tap)

	id := snd.Status().TransferID
	snd.Cancel()
	r.sess.Cancel()

	// Interrupted transfers keep their records.
	if _, err := sndStore.Load(id); err != nil {
		t.Fatalf("sender record lost: %v", err)
	}
	if _, err := r.store.Load(id); err != nil {
		t.Fatalf("receiver record lost: %v", err)
	}
	if v, _, _ := r.store.VerifiedCount(id); v != 4 {
		t.Fatalf("receiver verified %d chunks, want 4", v)
	}

	// Resume with fresh sessions over the same stores.
	snd2, err := ResumeSender(cfg, sndStore, id, data)
	if err != nil {
		t.Fatalf("ResumeSender: %v", err)
	}
	rcv2, err := NewReceiver(cfg, r.store, r.blobs)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	resent := 0
	countTap := func(dir string, frame []byte) ([]byte, bool) {
		if dir == "s2r" && isChunkFrame(frame) {
			resent++
		}
		return frame, true
	}
	pump(t, snd2, rcv2, countTap)

	if resent != 6 {
		t.Fatalf("resume sent %d chunks, want 6", resent)
	}
	if st := snd2.Status(); st.State != StateCompleted {
		t.Fatalf("resumed sender state %v (err %v)", st.State, st.Err)
	}
	got, _, err := rcv2.ReceivedFile()
	if err != nil {
		t.Fatalf("ReceivedFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("resumed data mismatch")
	}
}

func TestResumeRejectsDifferentContent(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	sndStore := store.New(store.NewMemoryBackend())
	snd, err := NewSender(cfg, sndStore, "f", testFile(160))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	id := snd.Status().TransferID
	snd.Cancel()

	other := testFile(160)
	other[0] ^= 1
	if _, err := ResumeSender(cfg, sndStore, id, other); !errors.Is(err, ErrManifestMismatch) {
		t.Fatalf("got %v, want ErrManifestMismatch", err)
	}
}

func TestParityRepairsCorruptionWithoutRoundTrip(t *testing.T) {
	cfg := Config{ChunkSize: 16, ParityShards: 2, ParityGroup: 5}
	data := testFile(160) // 10 chunks, two full parity groups

	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", data)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	sawParity := false
	corrupted := false
	tap := func(dir string, frame []byte) ([]byte, bool) {
		if dir != "s2r" || len(frame) < 2 {
			return frame, true
		}
		if frame[1] == byte(protocol.MessageTypeParity) {
			sawParity = true
		}
		if isChunkFrame(frame) && !corrupted {
			corrupted = true
			bad := append([]byte(nil), frame...)
			bad[len(bad)-1] ^= 0xff
			return bad, true
		}
		return frame, true
	}
	pump(t, snd, r.sess, tap)

	if !sawParity {
		t.Fatalf("no parity frames emitted")
	}
	if st := snd.Status(); st.State != StateCompleted {
		t.Fatalf("sender state %v (err %v)", st.State, st.Err)
	}
	got, _, err := r.sess.ReceivedFile()
	if err != nil {
		t.Fatalf("ReceivedFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch")
	}
}

func TestVersionMismatchIsFatal(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", testFile(32))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	out, err := snd.Start()
	if err != nil || len(out) == 0 {
		t.Fatalf("Start: %v", err)
	}

	r := newReceiverEnd(t, cfg)
	if _, err := r.sess.Start(); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	future := append([]byte(nil), out[0]...)
	future[0] = protocol.Version + 1
	if _, err := r.sess.Drive(future); !errors.Is(err, protocol.ErrVersionMismatch) {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
	if st := r.sess.Status(); st.State != StateFailed {
		t.Fatalf("receiver state %v, want failed", st.State)
	}
}

func TestTamperedConfirmAborts(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", testFile(32))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	tap := func(dir string, frame []byte) ([]byte, bool) {
		if dir == "r2s" && len(frame) > 1 && frame[1] == byte(protocol.MessageTypeKeyConfirm) {
			f, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("decode confirm frame: %v", err)
			}
			var kc protocol.KeyConfirm
			if err := json.Unmarshal(f.Payload, &kc); err != nil {
				t.Fatalf("unmarshal confirm: %v", err)
			}
			kc.Tag[0] ^= 0x01
			payload, err := json.Marshal(kc)
			if err != nil {
				t.Fatalf("marshal confirm: %v", err)
			}
			bad, err := protocol.Frame{Type: protocol.MessageTypeKeyConfirm, Payload: payload}.Encode()
			if err != nil {
				t.Fatalf("encode confirm frame: %v", err)
			}
			return bad, true
		}
		return frame, true
	}
	pump(t, snd, r.sess, tap)

	if st := snd.Status(); st.State != StateFailed {
		t.Fatalf("sender state %v, want failed", st.State)
	}
}

func TestHandshakeDeadlineFailsWithTimeout(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	sndStore := store.New(store.NewMemoryBackend())
	snd, err := NewSender(cfg, sndStore, "f", testFile(32))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if _, err := snd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := snd.Status().TransferID

	if _, err := snd.Tick(time.Now().Add(DefaultHandshakeTimeout + time.Second)); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if st := snd.Status(); st.State != StateFailed || !errors.Is(st.Err, ErrTimeout) {
		t.Fatalf("state %v err %v, want failed with timeout", st.State, st.Err)
	}
	// The record survives the timeout so the transfer stays resumable.
	if _, err := sndStore.Load(id); err != nil {
		t.Fatalf("record lost after timeout: %v", err)
	}
}

func TestTickResendsUnackedChunks(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	data := testFile(32) // 2 chunks

	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", data)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	// Every chunk frame vanishes; the sessions settle mid-transfer.
	dropped := 0
	tap := func(dir string, frame []byte) ([]byte, bool) {
		if dir == "s2r" && isChunkFrame(frame) {
			dropped++
			return frame, false
		}
		return frame, true
	}
	pump(t, snd, r.sess, tap)
	if dropped != 2 {
		t.Fatalf("dropped %d chunk frames, want 2", dropped)
	}
	if st := snd.Status(); st.State != StateTransferring {
		t.Fatalf("sender state %v, want transferring", st.State)
	}

	out, err := snd.Tick(time.Now().Add(DefaultAckTimeout + time.Second))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	resent := 0
	for _, f := range out {
		if isChunkFrame(f) {
			resent++
		}
	}
	if resent != 2 {
		t.Fatalf("Tick resent %d chunks, want 2", resent)
	}

	// Delivering the retransmissions completes the transfer.
	shuttle(t, snd, r.sess, out, nil)
	if st := snd.Status(); st.State != StateCompleted {
		t.Fatalf("sender state %v (err %v)", st.State, st.Err)
	}
	got, _, err := r.sess.ReceivedFile()
	if err != nil {
		t.Fatalf("ReceivedFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch after retransmit")
	}
}

func TestReceiverInactivityTimeout(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", testFile(32))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	tap := func(dir string, frame []byte) ([]byte, bool) {
		if dir == "s2r" && isChunkFrame(frame) {
			return frame, false
		}
		return frame, true
	}
	pump(t, snd, r.sess, tap)
	if st := r.sess.Status(); st.State != StateTransferring {
		t.Fatalf("receiver state %v, want transferring", st.State)
	}
	id := snd.Status().TransferID

	if _, err := r.sess.Tick(time.Now().Add(DefaultAckTimeout + time.Second)); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if st := r.sess.Status(); st.State != StateFailed {
		t.Fatalf("receiver state %v, want failed", st.State)
	}
	if _, err := r.store.Load(id); err != nil {
		t.Fatalf("receiver record lost after timeout: %v", err)
	}
}

func TestRetransmitReleasesRepairState(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	data := testFile(32) // 2 chunks

	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", data)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	r := newReceiverEnd(t, cfg)

	// Capture the chunk frames without delivering them.
	var chunks [][]byte
	tap := func(dir string, frame []byte) ([]byte, bool) {
		if dir == "s2r" && isChunkFrame(frame) {
			chunks = append(chunks, frame)
			return frame, false
		}
		return frame, true
	}
	pump(t, snd, r.sess, tap)
	if len(chunks) != 2 {
		t.Fatalf("captured %d chunk frames, want 2", len(chunks))
	}

	// A corrupted copy makes the receiver retain the consumed key for a
	// possible parity repair.
	bad := append([]byte(nil), chunks[0]...)
	bad[len(bad)-1] ^= 0xff
	nacks, err := r.sess.Drive(bad)
	if err != nil {
		t.Fatalf("Drive corrupted chunk: %v", err)
	}
	if len(r.sess.heldKeys) != 1 {
		t.Fatalf("held keys %d, want 1", len(r.sess.heldKeys))
	}

	var resent [][]byte
	for _, f := range nacks {
		out, err := snd.Drive(f)
		if err != nil {
			t.Fatalf("Drive nack: %v", err)
		}
		resent = append(resent, out...)
	}
	delivered := false
	for _, f := range resent {
		if !isChunkFrame(f) {
			continue
		}
		if _, err := r.sess.Drive(f); err != nil {
			t.Fatalf("Drive retransmit: %v", err)
		}
		delivered = true
	}
	if !delivered {
		t.Fatalf("sender did not retransmit the nacked chunk")
	}
	if len(r.sess.heldKeys) != 0 || len(r.sess.heldAD) != 0 {
		t.Fatalf("repair state retained after successful retransmit")
	}
}

func TestCancelledSessionRefusesFrames(t *testing.T) {
	cfg := Config{ChunkSize: 16}
	snd, err := NewSender(cfg, store.New(store.NewMemoryBackend()), "f", testFile(32))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if _, err := snd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snd.Cancel()
	if st := snd.Status(); st.State != StateCancelled {
		t.Fatalf("state %v, want cancelled", st.State)
	}
	if _, err := snd.Drive([]byte{protocol.Version, 7, 0, 0, 0, 0}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("got %v, want ErrTerminal", err)
	}
}
