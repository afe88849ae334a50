// Package session orchestrates a single secure transfer: the hybrid key
// exchange, the per-chunk ratchet cipher, resumable persistent state and
// the message flow between the two peers.
//
// A Session is transport-agnostic. The owner feeds received wire frames to
// Drive and sends whatever frames Drive returns; Tick handles deadlines and
// retransmission. One Session serves exactly one transfer and is not
// reusable after it reaches a terminal state.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tallowteam/tallow-go/tallow/crypto"
	"github.com/tallowteam/tallow-go/tallow/crypto/ratchet"
	"github.com/tallowteam/tallow-go/tallow/protocol"
	"github.com/tallowteam/tallow-go/tallow/store"
	"github.com/tallowteam/tallow-go/tallow/transfer"
	"github.com/tallowteam/tallow-go/tallow/transfer/erasure"
)

// State is the session lifecycle position. Transitions only move forward;
// Failed and Cancelled are reachable from every non-terminal state.
type State int

const (
	StateCreated State = iota
	StateHandshaking
	StateKeyConfirmed
	StateTransferring
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshaking:
		return "handshaking"
	case StateKeyConfirmed:
		return "key-confirmed"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Status is a point-in-time snapshot for callers and UIs.
type Status struct {
	State      State
	TransferID string
	Verified   int
	Total      int
	Epoch      uint32
	Err        error
}

// Session drives one transfer end. Construct with NewSender, ResumeSender
// or NewReceiver; all methods are safe for concurrent use.
type Session struct {
	mu   sync.Mutex
	cfg  Config
	role ratchet.Role

	state      State
	transferID string
	err        error

	st    *store.StateStore
	blobs *store.BlobStore

	hs         *crypto.Handshake
	rs         *ratchet.State
	cipher     *crypto.ChunkCipher
	confirmKey []byte

	events chan Event
	now    func() time.Time

	deadline     time.Time
	lastActivity time.Time

	// sender side
	chunks    []transfer.Chunk
	manifest  transfer.Manifest
	sendQueue []int
	inflight  map[int]time.Time
	retries   map[int]int
	sealed    map[int][]byte // ciphertexts pending parity emission

	// receiver side
	asm       *transfer.Assembler
	received  []byte
	ctCache   map[int][]byte
	heldKeys  map[int][]byte // receive keys retained for parity repair
	heldAD    map[int][]byte
	parityMsg map[int]protocol.ParityMessage

	parity *erasure.Codec
}

func newSession(cfg Config, role ratchet.Role, st *store.StateStore) (*Session, error) {
	cfg.fill()
	s := &Session{
		cfg:      cfg,
		role:     role,
		state:    StateCreated,
		st:       st,
		events:   make(chan Event, cfg.EventBuffer),
		now:      time.Now,
		inflight: make(map[int]time.Time),
		retries:  make(map[int]int),
	}
	if role == ratchet.Initiator && cfg.ParityShards > 0 {
		codec, err := erasure.NewCodec(cfg.ParityGroup, cfg.ParityShards)
		if err != nil {
			return nil, err
		}
		s.parity = codec
		s.sealed = make(map[int][]byte)
	}
	if role == ratchet.Responder {
		// Repair caches; the group geometry arrives with the sender's
		// parity messages, not from local config.
		s.ctCache = make(map[int][]byte)
		s.heldKeys = make(map[int][]byte)
		s.heldAD = make(map[int][]byte)
		s.parityMsg = make(map[int]protocol.ParityMessage)
	}
	return s, nil
}

// Status reports the session's current progress snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, TransferID: s.transferID, Err: s.err}
	if s.rs != nil {
		st.Epoch = s.rs.Epoch()
	}
	if s.transferID != "" && s.st != nil {
		if v, total, err := s.st.VerifiedCount(s.transferID); err == nil {
			st.Verified, st.Total = v, total
		}
	}
	if st.Total == 0 {
		st.Total = s.manifest.ChunkCount
	}
	return st
}

// Cancel aborts the session. Key material is wiped immediately; the
// persisted transfer record survives so a new session can resume. The
// returned frames, if any, notify the peer.
func (s *Session) Cancel() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return nil
	}
	var out [][]byte
	if f, err := s.errorFrame(codeCancelled, -1); err == nil {
		out = append(out, f)
	}
	s.state = StateCancelled
	s.shutdownLocked()
	return out
}

// Drive processes one received wire frame and returns the frames to send in
// response. A returned error means the session failed; the accompanying
// frames (usually a protocol error notice) should still be sent.
func (s *Session) Drive(incoming []byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return nil, ErrTerminal
	}
	s.lastActivity = s.now()

	f, err := protocol.Decode(incoming)
	if err != nil {
		if errors.Is(err, protocol.ErrVersionMismatch) {
			return s.failLocked(err, codeVersionMismatch)
		}
		// Unparseable frames are dropped; the peer will retransmit.
		return nil, nil
	}

	if f.Type == protocol.MessageTypeError {
		return s.handleError(f.Payload)
	}

	if s.role == ratchet.Initiator {
		return s.driveSender(f)
	}
	return s.driveReceiver(f)
}

// Tick enforces deadlines and retransmits unacknowledged chunks. Call it
// periodically with the current time; it returns frames to send.
func (s *Session) Tick(now time.Time) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return nil, nil
	}

	switch s.state {
	case StateHandshaking, StateKeyConfirmed:
		if !s.deadline.IsZero() && now.After(s.deadline) {
			return s.failLocked(ErrTimeout, codeTimeout)
		}
	case StateTransferring, StateVerifying:
		if s.role == ratchet.Initiator {
			return s.resendStale(now)
		}
		if !s.lastActivity.IsZero() && now.Sub(s.lastActivity) > s.cfg.AckTimeout {
			return s.failLocked(ErrTimeout, codeTimeout)
		}
	}
	return nil, nil
}

// handleError maps a peer error notice onto the local state machine.
func (s *Session) handleError(payload []byte) ([][]byte, error) {
	var em protocol.ErrorMessage
	if err := json.Unmarshal(payload, &em); err != nil {
		return nil, nil
	}
	switch em.Code {
	case codeCancelled:
		s.state = StateCancelled
		s.shutdownLocked()
		return nil, ErrTerminal
	case codeIntegrityMismatch:
		return s.failNoNoticeLocked(ErrIntegrityMismatch)
	case codeRejected:
		return s.failNoNoticeLocked(ErrRejected)
	default:
		return s.failNoNoticeLocked(fmt.Errorf("session: peer error %q", em.Code))
	}
}

// failLocked moves to Failed, wipes keys and builds a best-effort error
// notice for the peer.
func (s *Session) failLocked(err error, code string) ([][]byte, error) {
	var out [][]byte
	if f, ferr := s.errorFrame(code, -1); ferr == nil {
		out = append(out, f)
	}
	s.state = StateFailed
	s.err = err
	s.shutdownLocked()
	s.emit(Event{Kind: EventFailed, Err: err})
	return out, err
}

func (s *Session) failNoNoticeLocked(err error) ([][]byte, error) {
	s.state = StateFailed
	s.err = err
	s.shutdownLocked()
	s.emit(Event{Kind: EventFailed, Err: err})
	return nil, err
}

// shutdownLocked wipes every secret the session holds. The transfer record
// and chunk blobs are left in place for resume.
func (s *Session) shutdownLocked() {
	if s.rs != nil {
		s.rs.Close()
	}
	crypto.Wipe(s.confirmKey)
	s.confirmKey = nil
	for i, k := range s.heldKeys {
		crypto.Wipe(k)
		delete(s.heldKeys, i)
	}
	s.hs = nil
}

func (s *Session) errorFrame(code string, chunkIndex int64) ([]byte, error) {
	payload, err := json.Marshal(protocol.ErrorMessage{
		TransferID: s.transferID,
		Code:       code,
		ChunkIndex: chunkIndex,
	})
	if err != nil {
		return nil, err
	}
	return protocol.Frame{Type: protocol.MessageTypeError, Payload: payload}.Encode()
}

// initCipherLocked stands up the ratchet, chunk cipher and confirmation key
// from a freshly combined handshake secret, then wipes the secret.
func (s *Session) initCipherLocked(secret []byte) error {
	defer crypto.Wipe(secret)

	rcfg := ratchet.Config{
		Kem:                s.cfg.Kem,
		MaxSkip:            s.cfg.MaxSkip,
		RekeyAfterMessages: s.cfg.RekeyAfterMessages,
		RekeyInterval:      s.cfg.RekeyInterval,
		OnEpochAdvance: func(epoch uint32) {
			s.emit(Event{Kind: EventEpochAdvanced, Epoch: epoch})
		},
	}
	rs, err := ratchet.Initialize(secret, s.role, rcfg)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewChunkCipher(s.cfg.Aead, secret)
	if err != nil {
		rs.Close()
		return err
	}
	confirm, err := crypto.DeriveLabeled(secret, "tallow/v1 confirm")
	if err != nil {
		rs.Close()
		return err
	}
	s.rs, s.cipher, s.confirmKey = rs, cipher, confirm
	return nil
}

// confirmTag authenticates the handshake transcript for one direction.
func (s *Session) confirmTag(role ratchet.Role) []byte {
	mac := hmac.New(sha256.New, s.confirmKey)
	mac.Write([]byte("tallow/v1 confirm"))
	mac.Write([]byte(s.transferID))
	mac.Write([]byte{byte(role)})
	return mac.Sum(nil)
}

func (s *Session) verifyConfirm(tag []byte, role ratchet.Role) bool {
	return hmac.Equal(tag, s.confirmTag(role))
}

// envelopeIndex derives the nonce counter for a control message from its
// ratchet header. Each ratchet key is used once, so collisions across
// chains are harmless.
func envelopeIndex(h ratchet.Header) uint64 {
	return uint64(h.Epoch)<<32 | uint64(h.N)
}

// sealControl encrypts a control message under the next ratchet key and
// wraps it in a wire frame.
func (s *Session) sealControl(t protocol.MessageType, v any) ([]byte, error) {
	pt, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	key, h, err := s.rs.NextSendKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)
	hb := h.Encode()
	ct, err := s.cipher.Seal(key, envelopeIndex(h), pt, hb)
	if err != nil {
		return nil, err
	}
	env := protocol.Envelope{HeaderBytes: hb, Ciphertext: ct}
	return protocol.Frame{Type: t, Payload: env.Encode()}.Encode()
}

// openControl decrypts a sealed control message into v.
func (s *Session) openControl(payload []byte, v any) error {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	h, err := ratchet.DecodeHeader(env.HeaderBytes)
	if err != nil {
		return err
	}
	key, err := s.rs.NextReceiveKey(h)
	if err != nil {
		return err
	}
	defer crypto.Wipe(key)
	pt, err := s.cipher.Open(key, envelopeIndex(h), env.Ciphertext, env.HeaderBytes)
	if err != nil {
		return err
	}
	return json.Unmarshal(pt, v)
}

func newTransferID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
