package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tallowteam/tallow-go/tallow/crypto"
	"github.com/tallowteam/tallow-go/tallow/crypto/ratchet"
	"github.com/tallowteam/tallow-go/tallow/protocol"
	"github.com/tallowteam/tallow-go/tallow/store"
	"github.com/tallowteam/tallow-go/tallow/transfer"
	"github.com/tallowteam/tallow-go/tallow/transfer/erasure"
)

// NewReceiver prepares the receiving end of a transfer. The cipher suite is
// adopted from the sender's key exchange, so the local Kem and Aead config
// fields only matter for the sender role. blobs may be nil; received chunk
// data is then held in memory only and interrupted transfers cannot resume.
func NewReceiver(cfg Config, st *store.StateStore, blobs *store.BlobStore) (*Session, error) {
	s, err := newSession(cfg, ratchet.Responder, st)
	if err != nil {
		return nil, err
	}
	s.blobs = blobs
	return s, nil
}

// ReceivedFile returns the reassembled, verified file. Only valid once the
// session reaches Completed.
func (s *Session) ReceivedFile() ([]byte, transfer.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCompleted || s.role != ratchet.Responder {
		return nil, transfer.Manifest{}, fmt.Errorf("%w: no completed file", ErrUnexpectedMessage)
	}
	return s.received, s.manifest, nil
}

func (s *Session) driveReceiver(f protocol.Frame) ([][]byte, error) {
	switch f.Type {
	case protocol.MessageTypeKeyExchange:
		return s.receiverOnKeyExchange(f.Payload)
	case protocol.MessageTypeKeyConfirm:
		return s.receiverOnConfirm(f.Payload)
	case protocol.MessageTypeOffer:
		return s.receiverOnOffer(f.Payload)
	case protocol.MessageTypeChunk:
		return s.receiverOnChunk(f.Payload)
	case protocol.MessageTypeParity:
		return s.receiverOnParity(f.Payload)
	default:
		return nil, nil
	}
}

func (s *Session) receiverOnKeyExchange(payload []byte) ([][]byte, error) {
	if s.state != StateHandshaking || s.rs != nil {
		return nil, nil
	}
	var kx protocol.KeyExchange
	if err := json.Unmarshal(payload, &kx); err != nil {
		return nil, nil
	}
	if kx.TransferID == "" {
		return s.failLocked(crypto.ErrHandshakeFailed, codeHandshakeFailed)
	}
	kem, err := crypto.KemSchemeByName(kx.KemScheme)
	if err != nil {
		return s.failLocked(crypto.ErrHandshakeFailed, codeHandshakeFailed)
	}
	aead, err := crypto.AeadSchemeByName(kx.AeadScheme)
	if err != nil {
		return s.failLocked(crypto.ErrHandshakeFailed, codeHandshakeFailed)
	}
	s.cfg.Kem, s.cfg.Aead = kem, aead
	s.transferID = kx.TransferID

	material, secret, err := crypto.Respond(kem, kx.Material)
	if err != nil {
		return s.failLocked(crypto.ErrHandshakeFailed, codeHandshakeFailed)
	}
	if err := s.initCipherLocked(secret); err != nil {
		return s.failLocked(err, codeHandshakeFailed)
	}
	s.deadline = s.now().Add(s.cfg.HandshakeTimeout)

	reply, err := json.Marshal(protocol.KeyExchangeReply{TransferID: s.transferID, Material: material})
	if err != nil {
		return nil, err
	}
	rf, err := protocol.Frame{Type: protocol.MessageTypeKeyExchangeReply, Payload: reply}.Encode()
	if err != nil {
		return nil, err
	}
	confirm, err := json.Marshal(protocol.KeyConfirm{
		TransferID: s.transferID,
		Tag:        s.confirmTag(ratchet.Responder),
	})
	if err != nil {
		return nil, err
	}
	cf, err := protocol.Frame{Type: protocol.MessageTypeKeyConfirm, Payload: confirm}.Encode()
	if err != nil {
		return nil, err
	}
	return [][]byte{rf, cf}, nil
}

func (s *Session) receiverOnConfirm(payload []byte) ([][]byte, error) {
	if s.state != StateHandshaking || s.rs == nil {
		return nil, nil
	}
	var kc protocol.KeyConfirm
	if err := json.Unmarshal(payload, &kc); err != nil {
		return nil, nil
	}
	if !s.verifyConfirm(kc.Tag, ratchet.Initiator) {
		return s.failLocked(crypto.ErrHandshakeFailed, codeHandshakeFailed)
	}
	s.state = StateKeyConfirmed
	s.deadline = s.now().Add(s.cfg.HandshakeTimeout)
	s.emit(Event{Kind: EventHandshakeComplete})
	return nil, nil
}

func (s *Session) receiverOnOffer(payload []byte) ([][]byte, error) {
	if s.state != StateKeyConfirmed {
		return nil, nil
	}
	var offer protocol.Offer
	if err := s.openControl(payload, &offer); err != nil {
		if errors.Is(err, ratchet.ErrUndecryptable) {
			return nil, nil
		}
		return s.failLocked(err, codeInternal)
	}
	if offer.TransferID != s.transferID {
		return s.failLocked(ErrManifestMismatch, codeInternal)
	}
	var manifest transfer.Manifest
	if err := json.Unmarshal(offer.Manifest, &manifest); err != nil || manifest.ChunkCount < 0 {
		return s.failLocked(ErrManifestMismatch, codeInternal)
	}

	rec, err := s.setupRecordLocked(manifest)
	if err != nil {
		if errors.Is(err, ErrManifestMismatch) {
			// Decline rather than clobber a record for different content.
			if rj, serr := s.sealControl(protocol.MessageTypeOfferAck, protocol.OfferAck{
				TransferID: s.transferID, Accept: false,
			}); serr == nil {
				out, _ := s.failNoNoticeLocked(err)
				return append(out, rj), err
			}
		}
		return s.failLocked(err, codeInternal)
	}

	s.manifest = manifest
	s.asm = transfer.NewAssembler(manifest.ChunkCount)
	bits, err := s.seedFromBlobsLocked(rec)
	if err != nil {
		return s.failLocked(err, codeInternal)
	}

	ackFrame, err := s.sealControl(protocol.MessageTypeOfferAck, protocol.OfferAck{
		TransferID:   s.transferID,
		Accept:       true,
		VerifiedBits: bits,
	})
	if err != nil {
		return s.failLocked(err, codeInternal)
	}
	s.state = StateTransferring
	s.deadline = s.now().Add(s.cfg.AckTimeout)
	out := [][]byte{ackFrame}

	if s.asm.Complete() {
		done, err := s.finishLocked()
		if err != nil {
			return append(out, done...), err
		}
		out = append(out, done...)
	}
	return out, nil
}

// setupRecordLocked loads the resumable record for this transfer, creating
// one on first contact. An existing record must describe the same file.
func (s *Session) setupRecordLocked(manifest transfer.Manifest) (*store.Record, error) {
	rec, err := s.st.Load(s.transferID)
	if errors.Is(err, store.ErrNotFound) {
		return s.st.Create(s.transferID, manifest)
	}
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(rec.Manifest.FileHash, manifest.FileHash) || rec.Manifest.ChunkCount != manifest.ChunkCount {
		return nil, ErrManifestMismatch
	}
	return rec, nil
}

// seedFromBlobsLocked reloads verified chunk data from stable storage and
// returns the verified bitmap to report to the sender. If any verified blob
// is missing the record is reset and the transfer starts over.
func (s *Session) seedFromBlobsLocked(rec *store.Record) ([]byte, error) {
	count := rec.Manifest.ChunkCount
	bits := make([]byte, (count+7)/8)
	for i := 0; i < count; i++ {
		status, err := rec.Bitmap.Get(i)
		if err != nil {
			return nil, err
		}
		if status != store.StatusVerified {
			continue
		}
		var data []byte
		if s.blobs != nil {
			data, err = s.blobs.GetChunk(s.transferID, i)
		} else {
			err = store.ErrNotFound
		}
		if err != nil {
			// Claimed progress we cannot back with data: start clean.
			if derr := s.st.Delete(s.transferID); derr != nil {
				return nil, derr
			}
			if _, cerr := s.st.Create(s.transferID, rec.Manifest); cerr != nil {
				return nil, cerr
			}
			return make([]byte, (count+7)/8), nil
		}
		if err := s.asm.Put(i, data); err != nil {
			return nil, err
		}
		bits[i/8] |= 1 << uint(i%8)
	}
	return bits, nil
}

func (s *Session) receiverOnChunk(payload []byte) ([][]byte, error) {
	if s.state != StateTransferring {
		return nil, nil
	}
	msg, err := protocol.DecodeChunkMessage(payload)
	if err != nil {
		return nil, nil
	}
	idx := int(msg.Index)
	if idx < 0 || idx >= s.manifest.ChunkCount {
		return nil, nil
	}
	h, err := ratchet.DecodeHeader(msg.HeaderBytes)
	if err != nil {
		return nil, nil
	}

	key, err := s.rs.NextReceiveKey(h)
	if err != nil {
		if s.asm.Has(idx) {
			// Duplicate of a chunk we already verified; re-acknowledge.
			return s.ackLocked(idx, true)
		}
		return s.ackLocked(idx, false)
	}

	pt, err := s.cipher.Open(key, msg.Index, msg.Ciphertext, msg.HeaderBytes)
	if err != nil {
		// Hold the key and header: a parity block may reconstruct the
		// ciphertext and let us finish without a round trip.
		crypto.Wipe(s.heldKeys[idx])
		s.heldKeys[idx] = key
		s.heldAD[idx] = msg.HeaderBytes
		s.ctCache[idx] = nil
		if out, repaired := s.tryRepairLocked(idx); repaired {
			return out, nil
		}
		return s.ackLocked(idx, false)
	}
	crypto.Wipe(key)
	s.ctCache[idx] = msg.Ciphertext
	return s.acceptChunkLocked(idx, pt)
}

// acceptChunkLocked verifies and stores a decrypted chunk payload, then
// acknowledges it. Completing the file triggers whole-file verification.
func (s *Session) acceptChunkLocked(idx int, pt []byte) ([][]byte, error) {
	cp, err := protocol.DecodeChunkPayload(pt)
	if err != nil {
		return s.ackLocked(idx, false)
	}
	chunk, err := transfer.UnpackChunk(idx, cp.Data, cp.Compressed, cp.Hash)
	if err != nil {
		return s.ackLocked(idx, false)
	}
	if !s.asm.Has(idx) {
		if err := s.asm.Put(idx, chunk.Data); err != nil {
			return s.failLocked(err, codeInternal)
		}
		if s.blobs != nil {
			if err := s.blobs.PutChunk(s.transferID, idx, chunk.Data); err != nil {
				return s.failLocked(err, codeInternal)
			}
		}
		if err := s.st.Mark(s.transferID, idx, store.StatusVerified); err != nil {
			return s.failLocked(err, codeInternal)
		}
		s.emitProgress(idx)
	}
	// A retransmission may arrive for a chunk whose first copy failed to
	// open; the key retained for parity repair is no longer needed.
	if k, held := s.heldKeys[idx]; held {
		crypto.Wipe(k)
		delete(s.heldKeys, idx)
		delete(s.heldAD, idx)
	}
	s.pruneCachesLocked()

	out, err := s.ackLocked(idx, true)
	if err != nil {
		return out, err
	}
	if s.asm.Complete() {
		done, err := s.finishLocked()
		out = append(out, done...)
		return out, err
	}
	return out, nil
}

func (s *Session) ackLocked(idx int, ok bool) ([][]byte, error) {
	if s.state.terminal() {
		return nil, s.err
	}
	f, err := s.sealControl(protocol.MessageTypeAck, protocol.Ack{Index: uint64(idx), OK: ok})
	if err != nil {
		return s.failLocked(err, codeInternal)
	}
	return [][]byte{f}, nil
}

func (s *Session) receiverOnParity(payload []byte) ([][]byte, error) {
	if s.state != StateTransferring {
		return nil, nil
	}
	msg, err := protocol.DecodeParityMessage(payload)
	if err != nil {
		return nil, nil
	}
	if msg.DataShards == 0 || msg.ParityShards == 0 || len(msg.Blocks) != int(msg.ParityShards) {
		return nil, nil
	}
	start := int(msg.GroupStart)
	s.parityMsg[start] = msg

	var out [][]byte
	for idx := range s.heldKeys {
		if idx >= start && idx < start+int(msg.DataShards) {
			frames, repaired := s.tryRepairLocked(idx)
			if repaired {
				out = append(out, frames...)
			}
		}
	}
	return out, nil
}

// tryRepairLocked reconstructs the ciphertext for a chunk that failed
// authentication, using the cached group ciphertexts and the sender's
// parity blocks, then opens it with the receive key retained at failure
// time. Repair is best-effort; retransmission remains the fallback.
func (s *Session) tryRepairLocked(idx int) ([][]byte, bool) {
	key, held := s.heldKeys[idx]
	if !held {
		return nil, false
	}
	var msg protocol.ParityMessage
	var start int
	found := false
	for gs, m := range s.parityMsg {
		if idx >= gs && idx < gs+int(m.DataShards) {
			msg, start, found = m, gs, true
			break
		}
	}
	if !found {
		return nil, false
	}

	codec, err := erasure.NewCodec(int(msg.DataShards), int(msg.ParityShards))
	if err != nil {
		return nil, false
	}
	group := make([][]byte, int(msg.DataShards))
	for i := range group {
		group[i] = s.ctCache[start+i] // nil for missing or corrupt slots
	}
	recovered, err := codec.Recover(group, msg.Blocks, int(msg.ShardSize))
	if err != nil {
		return nil, false
	}

	ct := recovered[idx-start]
	pt, err := s.cipher.Open(key, uint64(idx), ct, s.heldAD[idx])
	if err != nil {
		return nil, false
	}
	crypto.Wipe(key)
	delete(s.heldKeys, idx)
	delete(s.heldAD, idx)
	s.ctCache[idx] = ct

	out, err := s.acceptChunkLocked(idx, pt)
	return out, err == nil
}

// pruneCachesLocked drops ciphertext and parity caches for fully verified
// groups so repair state does not grow with the file.
func (s *Session) pruneCachesLocked() {
	for start, msg := range s.parityMsg {
		done := true
		for i := start; i < start+int(msg.DataShards); i++ {
			if !s.asm.Has(i) {
				done = false
				break
			}
		}
		if done {
			for i := start; i < start+int(msg.DataShards); i++ {
				delete(s.ctCache, i)
			}
			delete(s.parityMsg, start)
		}
	}
}

// finishLocked runs whole-file verification and reports the outcome to the
// sender. On success the resumable state is discarded.
func (s *Session) finishLocked() ([][]byte, error) {
	s.state = StateVerifying
	fileHash, err := s.asm.FileHash()
	if err != nil {
		return s.failLocked(err, codeInternal)
	}
	data, err := s.asm.Bytes()
	if err != nil {
		return s.failLocked(err, codeInternal)
	}

	if !bytes.Equal(fileHash, s.manifest.FileHash) {
		frame, serr := s.sealControl(protocol.MessageTypeComplete, protocol.Complete{
			TransferID: s.transferID, FileHash: fileHash, OK: false,
		})
		out, _ := s.failNoNoticeLocked(ErrIntegrityMismatch)
		if serr == nil {
			out = append(out, frame)
		}
		return out, ErrIntegrityMismatch
	}

	frame, err := s.sealControl(protocol.MessageTypeComplete, protocol.Complete{
		TransferID: s.transferID, FileHash: fileHash, OK: true,
	})
	if err != nil {
		return s.failLocked(err, codeInternal)
	}
	s.received = data
	if err := s.st.Delete(s.transferID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return s.failLocked(err, codeInternal)
	}
	if s.blobs != nil {
		if err := s.blobs.DeleteChunks(s.transferID, s.manifest.ChunkCount); err != nil {
			return s.failLocked(err, codeInternal)
		}
	}
	s.state = StateCompleted
	s.shutdownLocked()
	s.emit(Event{Kind: EventCompleted, Verified: s.manifest.ChunkCount, Total: s.manifest.ChunkCount})
	return [][]byte{frame}, nil
}
