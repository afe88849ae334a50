package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/tallowteam/tallow-go/tallow/crypto"
)

var (
	// ErrUndecryptable marks a message whose key cannot be produced: the
	// counter refers to an evicted or already-consumed skip key, the skew
	// exceeds the skip bound, or the header does not line up with the
	// current chain. It is recoverable; the caller may request retransmission.
	ErrUndecryptable = errors.New("ratchet: undecryptable message")
	// ErrClosed is returned after Close has wiped the state.
	ErrClosed = errors.New("ratchet: state closed")
	// ErrNotReady is returned when sending before the peer's ratchet key is known.
	ErrNotReady = errors.New("ratchet: peer ratchet key not yet known")
)

// Role distinguishes the two ends of a session. The initiator's sending
// chain is seeded directly from the combined secret; the responder performs
// a DH ratchet step on its first send.
type Role int

const (
	Initiator Role = iota
	Responder
)

const (
	// DefaultMaxSkip bounds the skipped-key table.
	DefaultMaxSkip = 1000
	// DefaultRekeyAfterMessages triggers a post-quantum epoch re-key.
	DefaultRekeyAfterMessages = 512
	// DefaultRekeyInterval is the wall-clock epoch re-key trigger.
	DefaultRekeyInterval = 10 * time.Minute
)

// Config fixes the ratchet's backends and limits at construction time.
type Config struct {
	Kem                crypto.KemScheme
	MaxSkip            int
	RekeyAfterMessages uint64
	RekeyInterval      time.Duration

	// OnEpochAdvance, if set, is called after each post-quantum re-key
	// completes. It must not call back into the State.
	OnEpochAdvance func(epoch uint32)
}

func (c *Config) fill() {
	if c.Kem == nil {
		c.Kem = crypto.MLKEM768()
	}
	if c.MaxSkip <= 0 {
		c.MaxSkip = DefaultMaxSkip
	}
	if c.RekeyAfterMessages == 0 {
		c.RekeyAfterMessages = DefaultRekeyAfterMessages
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = DefaultRekeyInterval
	}
}

type skipID string

// State is the mutable ratchet record for one session. It is owned by
// exactly one session and must not be shared; all mutation happens through
// NextSendKey / NextReceiveKey. It is never written to stable storage.
type State struct {
	mu   sync.Mutex
	cfg  Config
	role Role

	rootKey []byte
	dh      crypto.X25519KeyPair
	peerDH  [32]byte
	havePeerDH bool

	prevPeerDH [32]byte

	sendCK []byte
	recvCK []byte
	ns, nr, pn uint32

	skipped      map[skipID][]byte
	skippedOrder []skipID

	// post-quantum epoch state
	epoch          uint32
	kemPub         []byte // our in-flight announcement
	kemPriv        []byte
	pendingCT      []byte // ciphertext answering the peer's announcement
	pendingMix     []byte // secret staged until the ciphertext first goes out
	pendingMixed   bool
	lastAnnounce   [32]byte // digest of the last announcement we answered
	sentSinceRekey uint64
	lastRekey      time.Time

	now    func() time.Time
	closed bool
}

// Initialize seeds a ratchet from the hybrid handshake's combined secret.
// The caller should wipe the secret afterwards; the state keeps only
// derived values.
func Initialize(secret []byte, role Role, cfg Config) (*State, error) {
	cfg.fill()

	root, err := crypto.DeriveLabeled(secret, "tallow/v1 root")
	if err != nil {
		return nil, err
	}
	chain, err := crypto.DeriveLabeled(secret, "tallow/v1 chain-init")
	if err != nil {
		return nil, err
	}
	dh, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}

	s := &State{
		cfg:     cfg,
		role:    role,
		rootKey: root,
		dh:      dh,
		skipped: make(map[skipID][]byte),
		now:     time.Now,
	}
	s.lastRekey = s.now()
	// The initiator sends first under the secret-seeded chain; the
	// responder receives under it and DH-ratchets before its first send.
	if role == Initiator {
		s.sendCK = chain
	} else {
		s.recvCK = chain
	}
	return s, nil
}

// Epoch returns the current post-quantum epoch counter.
func (s *State) Epoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Close wipes all key material and retires the state.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	crypto.Wipe(s.rootKey)
	crypto.Wipe(s.sendCK)
	crypto.Wipe(s.recvCK)
	crypto.Wipe(s.kemPriv)
	crypto.Wipe(s.pendingMix)
	s.dh.Wipe()
	for id, mk := range s.skipped {
		crypto.Wipe(mk)
		delete(s.skipped, id)
	}
	s.skippedOrder = nil
	s.closed = true
}

// NextSendKey advances the sending chain and returns the per-message key
// with the header to transmit alongside the ciphertext. The caller owns the
// key and must wipe it after sealing.
func (s *State) NextSendKey() ([]byte, Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, Header{}, ErrClosed
	}

	// Answering an announcement: mix the staged secret into the root the
	// first time the ciphertext goes out, and force a DH rotation so the
	// new root takes effect on this very message.
	if s.pendingCT != nil && !s.pendingMixed {
		s.mixRoot(s.pendingMix)
		crypto.Wipe(s.pendingMix)
		s.pendingMix = nil
		s.pendingMixed = true
		crypto.Wipe(s.sendCK)
		s.sendCK = nil
	}

	// Announce a re-key when the message or time threshold trips and no
	// exchange is already in flight in either direction.
	if s.kemPriv == nil && s.pendingCT == nil && s.rekeyDue() {
		pub, priv, err := s.cfg.Kem.GenerateKeyPair()
		if err == nil {
			s.kemPub, s.kemPriv = pub, priv
		}
	}

	if s.sendCK == nil {
		if !s.havePeerDH {
			return nil, Header{}, ErrNotReady
		}
		if err := s.dhStepSend(); err != nil {
			return nil, Header{}, err
		}
	}

	nextCK, mk := kdfCK(s.sendCK)
	crypto.Wipe(s.sendCK)
	s.sendCK = nextCK

	h := Header{Epoch: s.epoch, DHPub: s.dh.PublicKey, PN: s.pn, N: s.ns}
	if s.kemPriv != nil {
		h.KemPub = s.kemPub
	}
	if s.pendingCT != nil {
		h.KemCT = s.pendingCT
	}
	s.ns++
	s.sentSinceRekey++
	return mk, h, nil
}

// NextReceiveKey produces the key for a received header, caching skip keys
// for intervening counters when the message arrived early. The caller owns
// the key and must wipe it after opening.
func (s *State) NextReceiveKey(h Header) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	// Epoch plumbing comes first so any DH step below runs under a root
	// that matches the sender's.
	if len(h.KemCT) > 0 && s.kemPriv != nil {
		ss, err := s.cfg.Kem.Decapsulate(s.kemPriv, h.KemCT)
		if err != nil {
			return nil, ErrUndecryptable
		}
		s.mixRoot(ss)
		crypto.Wipe(ss)
		crypto.Wipe(s.kemPriv)
		s.kemPub, s.kemPriv = nil, nil
	}
	if s.pendingMixed && h.Epoch >= s.epoch {
		// Peer has caught up; stop resending the ciphertext.
		s.pendingCT = nil
		s.pendingMixed = false
	}
	if len(h.KemPub) > 0 {
		s.handleAnnounce(h.KemPub)
	}

	switch {
	case !s.havePeerDH && s.role == Responder:
		// First message from the initiator: its chain is seeded from the
		// combined secret, no DH step yet.
		s.peerDH = h.DHPub
		s.havePeerDH = true
	case !s.havePeerDH || s.peerDH != h.DHPub:
		if s.havePeerDH && s.sameChainSkip(h) {
			return s.takeSkipped(h.DHPub, h.N)
		}
		// A key from the previous chain whose skip key is gone is stale,
		// not a new turnaround.
		if s.havePeerDH && h.DHPub == s.prevPeerDH {
			return nil, ErrUndecryptable
		}
		// Direction turnaround: sender rotated its ratchet key. Reject
		// steps keyed under a root we have not reached yet.
		if h.Epoch != s.epoch {
			return nil, ErrUndecryptable
		}
		if err := s.skipUntil(h.PN); err != nil {
			return nil, err
		}
		if err := s.dhStepRecv(h.DHPub); err != nil {
			return nil, err
		}
	default:
		if h.N < s.nr {
			return s.takeSkipped(h.DHPub, h.N)
		}
	}

	if h.N < s.nr {
		return s.takeSkipped(h.DHPub, h.N)
	}
	if err := s.skipUntil(h.N); err != nil {
		return nil, err
	}
	if s.recvCK == nil {
		return nil, ErrUndecryptable
	}
	nextCK, mk := kdfCK(s.recvCK)
	crypto.Wipe(s.recvCK)
	s.recvCK = nextCK
	s.nr++
	return mk, nil
}

// sameChainSkip reports whether a header that names an unknown DH key still
// resolves to a cached skip key (old-chain message arriving after the step).
func (s *State) sameChainSkip(h Header) bool {
	_, ok := s.skipped[newSkipID(h.DHPub, h.N)]
	return ok
}

func (s *State) rekeyDue() bool {
	if s.sentSinceRekey >= s.cfg.RekeyAfterMessages {
		return true
	}
	return s.now().Sub(s.lastRekey) >= s.cfg.RekeyInterval
}

// handleAnnounce stages an encapsulation answering the peer's re-key
// announcement. Duplicate announcements (the peer resends until answered)
// are detected by digest. If both sides announced simultaneously the
// responder yields and answers the initiator.
func (s *State) handleAnnounce(peerKemPub []byte) {
	digest := sha256.Sum256(peerKemPub)
	if digest == s.lastAnnounce {
		return
	}
	if s.kemPriv != nil {
		if s.role == Initiator {
			return
		}
		crypto.Wipe(s.kemPriv)
		s.kemPub, s.kemPriv = nil, nil
	}
	ct, ss, err := s.cfg.Kem.Encapsulate(peerKemPub)
	if err != nil {
		return
	}
	s.lastAnnounce = digest
	s.pendingCT = ct
	s.pendingMix = ss
	s.pendingMixed = false
}

// mixRoot folds a fresh post-quantum secret into the root key and advances
// the epoch. Chain keys are untouched here; the new root takes effect at
// the next DH ratchet step.
func (s *State) mixRoot(ss []byte) {
	newRoot, err := crypto.DeriveKey(ss, s.rootKey, []byte("tallow/v1 pq-epoch"), 32)
	if err != nil {
		return
	}
	crypto.Wipe(s.rootKey)
	s.rootKey = newRoot
	s.epoch++
	s.sentSinceRekey = 0
	s.lastRekey = s.now()
	if s.cfg.OnEpochAdvance != nil {
		s.cfg.OnEpochAdvance(s.epoch)
	}
}

// dhStepSend rotates our ratchet keypair and reseeds the sending chain.
func (s *State) dhStepSend() error {
	newDH, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err := crypto.ECDH(newDH.PrivateKey, s.peerDH)
	if err != nil {
		return err
	}
	newRoot, ck := kdfRK(s.rootKey, dh)
	crypto.Wipe(dh)
	crypto.Wipe(s.rootKey)
	s.rootKey = newRoot
	s.dh.Wipe()
	s.dh = newDH
	s.pn = s.ns
	s.ns = 0
	crypto.Wipe(s.sendCK)
	s.sendCK = ck
	return nil
}

// dhStepRecv performs the full double step on a direction turnaround:
// reseed the receiving chain from the peer's new key, then rotate our own
// keypair and reseed the sending chain.
func (s *State) dhStepRecv(peerPub [32]byte) error {
	dh, err := crypto.ECDH(s.dh.PrivateKey, peerPub)
	if err != nil {
		return ErrUndecryptable
	}
	rootRecv, recvCK := kdfRK(s.rootKey, dh)
	crypto.Wipe(dh)

	newDH, err := crypto.GenerateX25519()
	if err != nil {
		crypto.Wipe(rootRecv)
		crypto.Wipe(recvCK)
		return err
	}
	dh2, err := crypto.ECDH(newDH.PrivateKey, peerPub)
	if err != nil {
		crypto.Wipe(rootRecv)
		crypto.Wipe(recvCK)
		return ErrUndecryptable
	}
	rootSend, sendCK := kdfRK(rootRecv, dh2)
	crypto.Wipe(dh2)
	crypto.Wipe(rootRecv)

	crypto.Wipe(s.rootKey)
	s.rootKey = rootSend
	s.dh.Wipe()
	s.dh = newDH
	s.prevPeerDH = s.peerDH
	s.peerDH = peerPub
	s.havePeerDH = true
	s.pn = s.ns
	s.ns, s.nr = 0, 0
	crypto.Wipe(s.recvCK)
	s.recvCK = recvCK
	crypto.Wipe(s.sendCK)
	s.sendCK = sendCK
	return nil
}

// skipUntil derives and caches message keys for counters nr..until-1 so
// out-of-order messages remain decryptable. Skew beyond MaxSkip is refused;
// when the table is full the oldest entry is evicted and wiped.
func (s *State) skipUntil(until uint32) error {
	if s.recvCK == nil || s.nr >= until {
		return nil
	}
	if until-s.nr > uint32(s.cfg.MaxSkip) {
		return ErrUndecryptable
	}
	for s.nr < until {
		nextCK, mk := kdfCK(s.recvCK)
		crypto.Wipe(s.recvCK)
		s.recvCK = nextCK
		s.cacheSkipped(newSkipID(s.peerDH, s.nr), mk)
		s.nr++
	}
	return nil
}

func (s *State) cacheSkipped(id skipID, mk []byte) {
	for len(s.skipped) >= s.cfg.MaxSkip && len(s.skippedOrder) > 0 {
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		if old, ok := s.skipped[oldest]; ok {
			crypto.Wipe(old)
			delete(s.skipped, oldest)
		}
	}
	s.skipped[id] = mk
	s.skippedOrder = append(s.skippedOrder, id)
}

func (s *State) takeSkipped(pub [32]byte, n uint32) ([]byte, error) {
	id := newSkipID(pub, n)
	mk, ok := s.skipped[id]
	if !ok {
		return nil, ErrUndecryptable
	}
	delete(s.skipped, id)
	return mk, nil
}

func newSkipID(pub [32]byte, n uint32) skipID {
	b := make([]byte, 36)
	copy(b, pub[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return skipID(b)
}

// kdfRK advances the root key with a DH output.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	out, _ := crypto.DeriveKey(dh, rk, []byte("tallow/v1 dh-ratchet"), 64)
	return out[:32], out[32:]
}

// kdfCK derives (nextChainKey, messageKey) from a chain key. One-way: the
// chain key is always overwritten by the caller after this step.
func kdfCK(ck []byte) (nextCK, mk []byte) {
	out, _ := crypto.DeriveKey(ck, nil, []byte("tallow/v1 chain"), 64)
	return out[:32], out[32:]
}
