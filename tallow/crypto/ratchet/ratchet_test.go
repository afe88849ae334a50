package ratchet

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/tallowteam/tallow-go/tallow/crypto"
)

func testSecret() []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = byte(i + 1)
	}
	return s
}

func newPair(t *testing.T, cfg Config) (*State, *State) {
	t.Helper()
	a, err := Initialize(testSecret(), Initiator, cfg)
	if err != nil {
		t.Fatalf("Initialize initiator: %v", err)
	}
	b, err := Initialize(testSecret(), Responder, cfg)
	if err != nil {
		t.Fatalf("Initialize responder: %v", err)
	}
	return a, b
}

func TestFirstMessageKeyMatches(t *testing.T) {
	a, b := newPair(t, Config{})
	defer a.Close()
	defer b.Close()

	mk, h, err := a.NextSendKey()
	if err != nil {
		t.Fatalf("NextSendKey: %v", err)
	}
	got, err := b.NextReceiveKey(h)
	if err != nil {
		t.Fatalf("NextReceiveKey: %v", err)
	}
	if !bytes.Equal(mk, got) {
		t.Fatalf("first message key mismatch")
	}
}

func TestPingPongConversation(t *testing.T) {
	a, b := newPair(t, Config{})
	defer a.Close()
	defer b.Close()

	for round := 0; round < 10; round++ {
		mk, h, err := a.NextSendKey()
		if err != nil {
			t.Fatalf("round %d a send: %v", round, err)
		}
		got, err := b.NextReceiveKey(h)
		if err != nil {
			t.Fatalf("round %d b recv: %v", round, err)
		}
		if !bytes.Equal(mk, got) {
			t.Fatalf("round %d a->b key mismatch", round)
		}

		mk, h, err = b.NextSendKey()
		if err != nil {
			t.Fatalf("round %d b send: %v", round, err)
		}
		got, err = a.NextReceiveKey(h)
		if err != nil {
			t.Fatalf("round %d a recv: %v", round, err)
		}
		if !bytes.Equal(mk, got) {
			t.Fatalf("round %d b->a key mismatch", round)
		}
	}
}

func TestResponderCannotSendFirst(t *testing.T) {
	_, b := newPair(t, Config{})
	defer b.Close()
	if _, _, err := b.NextSendKey(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
}

type sent struct {
	key []byte
	h   Header
}

func sendN(t *testing.T, s *State, n int) []sent {
	t.Helper()
	out := make([]sent, n)
	for i := range out {
		mk, h, err := s.NextSendKey()
		if err != nil {
			t.Fatalf("NextSendKey %d: %v", i, err)
		}
		out[i] = sent{key: mk, h: h}
	}
	return out
}

func TestOutOfOrderDelivery(t *testing.T) {
	a, b := newPair(t, Config{})
	defer a.Close()
	defer b.Close()

	msgs := sendN(t, a, 4)

	// Deliver 3, 0, 2, 1.
	for _, i := range []int{3, 0, 2, 1} {
		got, err := b.NextReceiveKey(msgs[i].h)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if !bytes.Equal(got, msgs[i].key) {
			t.Fatalf("key mismatch for %d", i)
		}
	}
}

func TestReplayRejected(t *testing.T) {
	a, b := newPair(t, Config{})
	defer a.Close()
	defer b.Close()

	msgs := sendN(t, a, 2)
	if _, err := b.NextReceiveKey(msgs[1].h); err != nil {
		t.Fatalf("recv 1: %v", err)
	}
	if _, err := b.NextReceiveKey(msgs[0].h); err != nil {
		t.Fatalf("recv 0: %v", err)
	}
	// Skip key for 0 was consumed; a replay cannot recover it.
	if _, err := b.NextReceiveKey(msgs[0].h); !errors.Is(err, ErrUndecryptable) {
		t.Fatalf("replay: got %v, want ErrUndecryptable", err)
	}
}

func TestOldChainMessageAfterTurnaround(t *testing.T) {
	a, b := newPair(t, Config{})
	defer a.Close()
	defer b.Close()

	msgs := sendN(t, a, 3)
	if _, err := b.NextReceiveKey(msgs[0].h); err != nil {
		t.Fatalf("recv 0: %v", err)
	}

	// Turnaround: b replies, a rotates, a sends on the new chain.
	mk, h, err := b.NextSendKey()
	if err != nil {
		t.Fatalf("b send: %v", err)
	}
	if got, err := a.NextReceiveKey(h); err != nil || !bytes.Equal(got, mk) {
		t.Fatalf("a recv reply: %v", err)
	}
	mk2, h2, err := a.NextSendKey()
	if err != nil {
		t.Fatalf("a send new chain: %v", err)
	}
	if got, err := b.NextReceiveKey(h2); err != nil || !bytes.Equal(got, mk2) {
		t.Fatalf("b recv new chain: %v", err)
	}

	// Stragglers from a's first chain still open via skip keys.
	for _, i := range []int{2, 1} {
		got, err := b.NextReceiveKey(msgs[i].h)
		if err != nil {
			t.Fatalf("straggler %d: %v", i, err)
		}
		if !bytes.Equal(got, msgs[i].key) {
			t.Fatalf("straggler %d key mismatch", i)
		}
	}
}

func TestSkipBoundEnforced(t *testing.T) {
	a, b := newPair(t, Config{MaxSkip: 5})
	defer a.Close()
	defer b.Close()

	_, h, err := a.NextSendKey()
	if err != nil {
		t.Fatalf("NextSendKey: %v", err)
	}
	far := h
	far.N = 100
	if _, err := b.NextReceiveKey(far); !errors.Is(err, ErrUndecryptable) {
		t.Fatalf("got %v, want ErrUndecryptable", err)
	}
	// The bounded failure must not corrupt the chain.
	if got, err := b.NextReceiveKey(h); err != nil {
		t.Fatalf("in-range after refusal: %v", err)
	} else if len(got) != 32 {
		t.Fatalf("bad key length %d", len(got))
	}
}

func TestSkipEvictionDropsOldest(t *testing.T) {
	a, b := newPair(t, Config{MaxSkip: 3})
	defer a.Close()
	defer b.Close()

	msgs := sendN(t, a, 7)
	// 0..2 fill the table when 3 arrives.
	if _, err := b.NextReceiveKey(msgs[3].h); err != nil {
		t.Fatalf("recv 3: %v", err)
	}
	// 4 and 5 push out the oldest entries (0 and 1).
	if _, err := b.NextReceiveKey(msgs[6].h); err != nil {
		t.Fatalf("recv 6: %v", err)
	}
	if _, err := b.NextReceiveKey(msgs[0].h); !errors.Is(err, ErrUndecryptable) {
		t.Fatalf("evicted 0: got %v, want ErrUndecryptable", err)
	}
	if got, err := b.NextReceiveKey(msgs[2].h); err != nil {
		t.Fatalf("recv 2: %v", err)
	} else if !bytes.Equal(got, msgs[2].key) {
		t.Fatalf("key mismatch for 2")
	}
}

func TestEpochRekeyAdvancesBothSides(t *testing.T) {
	var aEpochs, bEpochs []uint32
	a, err := Initialize(testSecret(), Initiator, Config{
		RekeyAfterMessages: 2,
		OnEpochAdvance:     func(e uint32) { aEpochs = append(aEpochs, e) },
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	b, err := Initialize(testSecret(), Responder, Config{
		RekeyAfterMessages: 2,
		OnEpochAdvance:     func(e uint32) { bEpochs = append(bEpochs, e) },
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer a.Close()
	defer b.Close()

	for round := 0; round < 20; round++ {
		mk, h, err := a.NextSendKey()
		if err != nil {
			t.Fatalf("round %d a send: %v", round, err)
		}
		got, err := b.NextReceiveKey(h)
		if err != nil {
			t.Fatalf("round %d b recv: %v", round, err)
		}
		if !bytes.Equal(mk, got) {
			t.Fatalf("round %d a->b key mismatch", round)
		}

		mk, h, err = b.NextSendKey()
		if err != nil {
			t.Fatalf("round %d b send: %v", round, err)
		}
		got, err = a.NextReceiveKey(h)
		if err != nil {
			t.Fatalf("round %d a recv: %v", round, err)
		}
		if !bytes.Equal(mk, got) {
			t.Fatalf("round %d b->a key mismatch", round)
		}
	}

	if a.Epoch() == 0 || b.Epoch() == 0 {
		t.Fatalf("epochs did not advance: a=%d b=%d", a.Epoch(), b.Epoch())
	}
	if a.Epoch() != b.Epoch() {
		t.Fatalf("epoch divergence: a=%d b=%d", a.Epoch(), b.Epoch())
	}
	if len(aEpochs) == 0 || len(bEpochs) == 0 {
		t.Fatalf("epoch callbacks not invoked")
	}
}

func TestTimeBasedRekey(t *testing.T) {
	a, b := newPair(t, Config{RekeyAfterMessages: 1 << 30, RekeyInterval: time.Minute})
	defer a.Close()
	defer b.Close()

	base := time.Now()
	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	for round := 0; round < 4; round++ {
		mk, h, err := a.NextSendKey()
		if err != nil {
			t.Fatalf("round %d a send: %v", round, err)
		}
		if got, err := b.NextReceiveKey(h); err != nil || !bytes.Equal(mk, got) {
			t.Fatalf("round %d b recv: %v", round, err)
		}
		mk, h, err = b.NextSendKey()
		if err != nil {
			t.Fatalf("round %d b send: %v", round, err)
		}
		if got, err := a.NextReceiveKey(h); err != nil || !bytes.Equal(mk, got) {
			t.Fatalf("round %d a recv: %v", round, err)
		}
	}
	if a.Epoch() == 0 {
		t.Fatalf("time trigger did not advance epoch")
	}
}

func TestClosedStateRefusesUse(t *testing.T) {
	a, b := newPair(t, Config{})
	b.Close()
	a.Close()
	if _, _, err := a.NextSendKey(); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if _, err := b.NextReceiveKey(Header{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Epoch: 7, PN: 3, N: 9, KemPub: []byte("pub"), KemCT: []byte("ciphertext")}
	h.DHPub[0] = 0xaa
	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if decoded.Epoch != 7 || decoded.PN != 3 || decoded.N != 9 || decoded.DHPub != h.DHPub {
		t.Fatalf("header fields mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.KemPub, h.KemPub) || !bytes.Equal(decoded.KemCT, h.KemCT) {
		t.Fatalf("kem fields mismatch")
	}
	if _, err := DecodeHeader(h.Encode()[:10]); !errors.Is(err, ErrHeaderTooShort) {
		t.Fatalf("truncated header: %v", err)
	}
}

func BenchmarkSendReceive(b *testing.B) {
	a, bb := newPairBench(b)
	defer a.Close()
	defer bb.Close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mk, h, err := a.NextSendKey()
		if err != nil {
			b.Fatalf("NextSendKey: %v", err)
		}
		if _, err := bb.NextReceiveKey(h); err != nil {
			b.Fatalf("NextReceiveKey: %v", err)
		}
		crypto.Wipe(mk)
	}
}

func newPairBench(b *testing.B) (*State, *State) {
	b.Helper()
	// Large threshold keeps the benchmark on the symmetric path.
	cfg := Config{RekeyAfterMessages: 1 << 30, RekeyInterval: time.Hour}
	s1, err := Initialize(testSecret(), Initiator, cfg)
	if err != nil {
		b.Fatalf("Initialize: %v", err)
	}
	s2, err := Initialize(testSecret(), Responder, cfg)
	if err != nil {
		b.Fatalf("Initialize: %v", err)
	}
	return s1, s2
}
