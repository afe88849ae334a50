package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallowteam/tallow-go/tallow/crypto"
	"github.com/tallowteam/tallow-go/tallow/crypto/ratchet"
	"github.com/tallowteam/tallow-go/tallow/protocol"
	"github.com/tallowteam/tallow-go/tallow/store"
	"github.com/tallowteam/tallow-go/tallow/transfer"
)

// NewSender prepares a fresh outgoing transfer: the file is split into
// chunks, a resumable record is created and a new transfer id assigned.
func NewSender(cfg Config, st *store.StateStore, name string, data []byte) (*Session, error) {
	s, err := newSession(cfg, ratchet.Initiator, st)
	if err != nil {
		return nil, err
	}
	chunks, manifest, err := transfer.NewChunker(s.cfg.ChunkSize).Split(name, data)
	if err != nil {
		return nil, err
	}
	id, err := newTransferID()
	if err != nil {
		return nil, err
	}
	if _, err := st.Create(id, manifest); err != nil {
		return nil, err
	}
	s.transferID = id
	s.chunks = chunks
	s.manifest = manifest
	return s, nil
}

// ResumeSender reopens an interrupted outgoing transfer. A fresh handshake
// and ratchet are always established; only chunk progress is reused. The
// file content must match the stored manifest.
func ResumeSender(cfg Config, st *store.StateStore, transferID string, data []byte) (*Session, error) {
	s, err := newSession(cfg, ratchet.Initiator, st)
	if err != nil {
		return nil, err
	}
	rec, err := st.Load(transferID)
	if err != nil {
		return nil, err
	}
	chunks, manifest, err := transfer.NewChunker(rec.Manifest.ChunkSize).Split(rec.Manifest.Name, data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(manifest.FileHash, rec.Manifest.FileHash) || manifest.ChunkCount != rec.Manifest.ChunkCount {
		return nil, ErrManifestMismatch
	}
	s.transferID = transferID
	s.chunks = chunks
	s.manifest = rec.Manifest
	return s, nil
}

// Start begins the session. The sender emits its key exchange offer; the
// receiver arms its handshake deadline and waits for the first frame.
func (s *Session) Start() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return nil, fmt.Errorf("%w: already started", ErrUnexpectedMessage)
	}
	now := s.now()
	s.deadline = now.Add(s.cfg.HandshakeTimeout)
	s.lastActivity = now
	s.state = StateHandshaking
	if s.role == ratchet.Responder {
		return nil, nil
	}

	hs, err := crypto.NewHandshake(s.cfg.Kem)
	if err != nil {
		return nil, err
	}
	s.hs = hs
	payload, err := json.Marshal(protocol.KeyExchange{
		TransferID: s.transferID,
		KemScheme:  s.cfg.Kem.Name(),
		AeadScheme: s.cfg.Aead.Name(),
		Material:   hs.PublicMaterial(),
		Resume:     s.isResumeLocked(),
	})
	if err != nil {
		return nil, err
	}
	f, err := protocol.Frame{Type: protocol.MessageTypeKeyExchange, Payload: payload}.Encode()
	if err != nil {
		return nil, err
	}
	return [][]byte{f}, nil
}

// isResumeLocked reports whether any sender-side progress already exists.
func (s *Session) isResumeLocked() bool {
	if s.st == nil || s.transferID == "" {
		return false
	}
	v, _, err := s.st.VerifiedCount(s.transferID)
	return err == nil && v > 0
}

func (s *Session) driveSender(f protocol.Frame) ([][]byte, error) {
	switch f.Type {
	case protocol.MessageTypeKeyExchangeReply:
		return s.senderOnReply(f.Payload)
	case protocol.MessageTypeKeyConfirm:
		return s.senderOnConfirm(f.Payload)
	case protocol.MessageTypeOfferAck:
		return s.senderOnOfferAck(f.Payload)
	case protocol.MessageTypeAck:
		return s.senderOnAck(f.Payload)
	case protocol.MessageTypeComplete:
		return s.senderOnComplete(f.Payload)
	default:
		// Stray or duplicated frames are dropped.
		return nil, nil
	}
}

func (s *Session) senderOnReply(payload []byte) ([][]byte, error) {
	if s.state != StateHandshaking || s.hs == nil {
		return nil, nil
	}
	var reply protocol.KeyExchangeReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, nil
	}
	secret, err := s.hs.Complete(reply.Material)
	if err != nil {
		return s.failLocked(crypto.ErrHandshakeFailed, codeHandshakeFailed)
	}
	s.hs = nil
	if err := s.initCipherLocked(secret); err != nil {
		return s.failLocked(err, codeHandshakeFailed)
	}
	return nil, nil
}

func (s *Session) senderOnConfirm(payload []byte) ([][]byte, error) {
	if s.state != StateHandshaking || s.rs == nil {
		return nil, nil
	}
	var kc protocol.KeyConfirm
	if err := json.Unmarshal(payload, &kc); err != nil {
		return nil, nil
	}
	if !s.verifyConfirm(kc.Tag, ratchet.Responder) {
		return s.failLocked(crypto.ErrHandshakeFailed, codeHandshakeFailed)
	}
	s.state = StateKeyConfirmed
	s.deadline = s.now().Add(s.cfg.HandshakeTimeout)
	s.emit(Event{Kind: EventHandshakeComplete})

	confirm, err := json.Marshal(protocol.KeyConfirm{
		TransferID: s.transferID,
		Tag:        s.confirmTag(ratchet.Initiator),
	})
	if err != nil {
		return nil, err
	}
	cf, err := protocol.Frame{Type: protocol.MessageTypeKeyConfirm, Payload: confirm}.Encode()
	if err != nil {
		return nil, err
	}

	rawManifest, err := json.Marshal(s.manifest)
	if err != nil {
		return nil, err
	}
	of, err := s.sealControl(protocol.MessageTypeOffer, protocol.Offer{
		TransferID: s.transferID,
		Manifest:   rawManifest,
	})
	if err != nil {
		return s.failLocked(err, codeInternal)
	}
	return [][]byte{cf, of}, nil
}

func (s *Session) senderOnOfferAck(payload []byte) ([][]byte, error) {
	if s.state != StateKeyConfirmed {
		return nil, nil
	}
	var ack protocol.OfferAck
	if err := s.openControl(payload, &ack); err != nil {
		if errors.Is(err, ratchet.ErrUndecryptable) {
			return nil, nil
		}
		return s.failLocked(err, codeInternal)
	}
	if !ack.Accept {
		return s.failNoNoticeLocked(ErrRejected)
	}

	// Fold the receiver's already-verified chunks into our record so both
	// ends agree on what remains.
	for i := 0; i < s.manifest.ChunkCount; i++ {
		if bitSet(ack.VerifiedBits, i) {
			if err := s.st.Mark(s.transferID, i, store.StatusVerified); err != nil {
				return s.failLocked(err, codeInternal)
			}
		}
	}

	seq, err := s.st.PendingChunks(s.transferID)
	if err != nil {
		return s.failLocked(err, codeInternal)
	}
	s.sendQueue = s.sendQueue[:0]
	for i := range seq {
		s.sendQueue = append(s.sendQueue, i)
	}

	s.state = StateTransferring
	s.deadline = time.Time{}
	return s.fillWindowLocked()
}

func (s *Session) senderOnAck(payload []byte) ([][]byte, error) {
	if s.state != StateTransferring && s.state != StateVerifying {
		return nil, nil
	}
	var ack protocol.Ack
	if err := s.openControl(payload, &ack); err != nil {
		if errors.Is(err, ratchet.ErrUndecryptable) {
			// A lost ack is recovered by the chunk retransmit path.
			return nil, nil
		}
		return s.failLocked(err, codeInternal)
	}
	idx := int(ack.Index)
	if idx < 0 || idx >= s.manifest.ChunkCount {
		return nil, nil
	}

	if ack.OK {
		delete(s.inflight, idx)
		delete(s.retries, idx)
		if err := s.st.Mark(s.transferID, idx, store.StatusVerified); err != nil {
			return s.failLocked(err, codeInternal)
		}
		s.emitProgress(idx)
		return s.fillWindowLocked()
	}
	return s.retryChunkLocked(idx)
}

func (s *Session) senderOnComplete(payload []byte) ([][]byte, error) {
	if s.state != StateTransferring && s.state != StateVerifying {
		return nil, nil
	}
	var done protocol.Complete
	if err := s.openControl(payload, &done); err != nil {
		if errors.Is(err, ratchet.ErrUndecryptable) {
			return nil, nil
		}
		return s.failLocked(err, codeInternal)
	}
	if !done.OK {
		return s.failNoNoticeLocked(ErrIntegrityMismatch)
	}
	if err := s.st.Delete(s.transferID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return s.failLocked(err, codeInternal)
	}
	s.state = StateCompleted
	s.shutdownLocked()
	s.emit(Event{Kind: EventCompleted, Verified: s.manifest.ChunkCount, Total: s.manifest.ChunkCount})
	return nil, nil
}

// fillWindowLocked seals queued chunks until the in-flight window is full.
func (s *Session) fillWindowLocked() ([][]byte, error) {
	var out [][]byte
	for len(s.inflight) < s.cfg.SendWindow && len(s.sendQueue) > 0 {
		idx := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		if st, err := s.st.Status(s.transferID, idx); err == nil && st == store.StatusVerified {
			continue
		}
		frames, err := s.sealChunkLocked(idx)
		if err != nil {
			return out, err
		}
		out = append(out, frames...)
	}
	if len(s.inflight) == 0 && len(s.sendQueue) == 0 && s.state == StateTransferring {
		s.state = StateVerifying
		s.deadline = s.now().Add(s.cfg.AckTimeout)
	}
	return out, nil
}

// sealChunkLocked encrypts one chunk under a fresh ratchet key and marks it
// sent. With parity enabled, completing a group of sealed ciphertexts also
// emits the group's Reed-Solomon blocks.
func (s *Session) sealChunkLocked(idx int) ([][]byte, error) {
	chunk := s.chunks[idx]
	payload, compressed := chunk.Data, false
	if !s.cfg.DisableCompression {
		payload, compressed = transfer.PackChunk(chunk)
	}
	pt := protocol.ChunkPayload{Compressed: compressed, Hash: chunk.Hash, Data: payload}.Encode()

	key, h, err := s.rs.NextSendKey()
	if err != nil {
		return nil, err
	}
	hb := h.Encode()
	ct, err := s.cipher.Seal(key, uint64(idx), pt, hb)
	crypto.Wipe(key)
	if err != nil {
		return nil, err
	}

	msg := protocol.ChunkMessage{HeaderBytes: hb, Index: uint64(idx), Ciphertext: ct}
	f, err := protocol.Frame{Type: protocol.MessageTypeChunk, Payload: msg.Encode()}.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.st.Mark(s.transferID, idx, store.StatusSent); err != nil {
		return nil, err
	}
	s.inflight[idx] = s.now()

	out := [][]byte{f}
	if s.parity != nil {
		s.sealed[idx] = ct
		pf, err := s.maybeParityLocked(idx)
		if err != nil {
			return nil, err
		}
		if pf != nil {
			out = append(out, pf)
		}
	}
	return out, nil
}

// maybeParityLocked emits parity for the chunk's group once every data
// shard in the group has been sealed this session. Partial tail groups
// never produce parity; retransmission covers them.
func (s *Session) maybeParityLocked(idx int) ([]byte, error) {
	groupSize := s.parity.DataShards()
	start := (idx / groupSize) * groupSize
	if start+groupSize > s.manifest.ChunkCount {
		return nil, nil
	}
	group := make([][]byte, groupSize)
	for i := 0; i < groupSize; i++ {
		ct, ok := s.sealed[start+i]
		if !ok {
			return nil, nil
		}
		group[i] = ct
	}
	parity, shardSize, err := s.parity.Encode(group)
	if err != nil {
		return nil, err
	}
	for i := 0; i < groupSize; i++ {
		delete(s.sealed, start+i)
	}
	msg := protocol.ParityMessage{
		GroupStart:   uint64(start),
		DataShards:   uint16(groupSize),
		ParityShards: uint16(s.parity.ParityShards()),
		ShardSize:    uint32(shardSize),
		Blocks:       parity,
	}
	return protocol.Frame{Type: protocol.MessageTypeParity, Payload: msg.Encode()}.Encode()
}

// retryChunkLocked requeues a rejected or stale chunk for a fresh send
// under a new key. The retry budget is per chunk.
func (s *Session) retryChunkLocked(idx int) ([][]byte, error) {
	s.retries[idx]++
	if s.retries[idx] > s.cfg.MaxRetries {
		return s.failLocked(fmt.Errorf("%w: chunk %d", ErrTooManyRetries, idx), codeInternal)
	}
	if st, err := s.st.Status(s.transferID, idx); err == nil && st != store.StatusVerified && st != store.StatusPending {
		if err := s.st.Mark(s.transferID, idx, store.StatusFailed); err != nil {
			return s.failLocked(err, codeInternal)
		}
		if err := s.st.Mark(s.transferID, idx, store.StatusPending); err != nil {
			return s.failLocked(err, codeInternal)
		}
	}
	delete(s.inflight, idx)
	return s.sealChunkLocked(idx)
}

// resendStale retransmits chunks whose acknowledgement is overdue.
func (s *Session) resendStale(now time.Time) ([][]byte, error) {
	var stale []int
	for idx, sentAt := range s.inflight {
		if now.Sub(sentAt) > s.cfg.AckTimeout {
			stale = append(stale, idx)
		}
	}
	var out [][]byte
	for _, idx := range stale {
		frames, err := s.retryChunkLocked(idx)
		if err != nil {
			return append(out, frames...), err
		}
		out = append(out, frames...)
	}
	if s.state == StateVerifying && len(s.inflight) == 0 && !s.deadline.IsZero() && now.After(s.deadline) {
		return s.failLocked(ErrTimeout, codeTimeout)
	}
	return out, nil
}

func (s *Session) emitProgress(idx int) {
	v, total, err := s.st.VerifiedCount(s.transferID)
	if err != nil {
		v, total = 0, s.manifest.ChunkCount
	}
	s.emit(Event{Kind: EventChunkProgress, Index: idx, Verified: v, Total: total})
}

func bitSet(bits []byte, i int) bool {
	if i/8 >= len(bits) {
		return false
	}
	return bits[i/8]&(1<<uint(i%8)) != 0
}
