package session

import "errors"

var (
	// ErrTimeout reports that a peer went silent past the configured
	// deadline. The transfer record survives, so a later session can
	// resume the transfer.
	ErrTimeout = errors.New("session: peer timeout")

	// ErrIntegrityMismatch reports that the reassembled file hash does
	// not match the manifest.
	ErrIntegrityMismatch = errors.New("session: file integrity mismatch")

	// ErrUnexpectedMessage reports a message type that is not valid in
	// the session's current state.
	ErrUnexpectedMessage = errors.New("session: unexpected message")

	// ErrTerminal reports an operation on a completed, failed or
	// cancelled session.
	ErrTerminal = errors.New("session: session finished")

	// ErrTooManyRetries reports that a single chunk exhausted its
	// retransmission budget.
	ErrTooManyRetries = errors.New("session: chunk retry limit exceeded")

	// ErrManifestMismatch reports a resume attempt whose stored record
	// does not describe the offered file.
	ErrManifestMismatch = errors.New("session: resume manifest mismatch")

	// ErrRejected reports that the receiver declined the transfer offer.
	ErrRejected = errors.New("session: transfer rejected by peer")
)

// Wire error codes carried in protocol error messages.
const (
	codeHandshakeFailed   = "handshake_failed"
	codeVersionMismatch   = "version_mismatch"
	codeIntegrityMismatch = "integrity_mismatch"
	codeTimeout           = "timeout"
	codeCancelled         = "cancelled"
	codeRejected          = "rejected"
	codeInternal          = "internal"
)
