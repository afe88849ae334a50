package session

// EventKind identifies an observable session event.
type EventKind int

const (
	EventHandshakeComplete EventKind = iota
	EventEpochAdvanced
	EventChunkProgress
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventHandshakeComplete:
		return "handshake-complete"
	case EventEpochAdvanced:
		return "epoch-advanced"
	case EventChunkProgress:
		return "chunk-progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered on the session's event channel. Delivery is
// best-effort: a full channel drops the event rather than stalling the
// transfer.
type Event struct {
	Kind       EventKind
	TransferID string
	Epoch      uint32
	Index      int
	Verified   int
	Total      int
	Err        error
}

func (s *Session) emit(ev Event) {
	ev.TransferID = s.transferID
	select {
	case s.events <- ev:
	default:
	}
}

// Events exposes the session's observable event stream.
func (s *Session) Events() <-chan Event { return s.events }
