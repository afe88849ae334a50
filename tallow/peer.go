package tallow

import (
	"context"
	"errors"
	"time"

	"github.com/tallowteam/tallow-go/tallow/session"
	"github.com/tallowteam/tallow-go/tallow/store"
	"github.com/tallowteam/tallow-go/tallow/transfer"
	"github.com/tallowteam/tallow-go/tallow/transport/quic"
)

var ErrNotListening = errors.New("peer is not listening")

// Peer is a high-level helper that combines transport + session.
// It intentionally stays small so applications can embed the session state
// machine into their own transports and event loops instead.
type Peer struct {
	Config session.Config
	Store  *store.StateStore
	Blobs  *store.BlobStore

	listener *quic.Listener
}

// NewPeer builds a peer whose transfer state lives in the given backend.
// Use store.NewMemoryBackend for throwaway state or store.NewFileBackend to
// survive restarts.
func NewPeer(cfg session.Config, backend store.Backend) *Peer {
	return &Peer{
		Config: cfg,
		Store:  store.New(backend),
		Blobs:  store.NewBlobStore(backend),
	}
}

func (p *Peer) Listen(addr string) error {
	ln, err := quic.Listen(addr)
	if err != nil {
		return err
	}
	p.listener = ln
	return nil
}

func (p *Peer) ListenAddr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.AddrString()
}

func (p *Peer) Close() error {
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}

// SendFile dials the peer and drives a complete outgoing transfer. It
// returns the transfer id, which identifies the resumable record if the
// transfer is interrupted.
func (p *Peer) SendFile(ctx context.Context, addr, name string, data []byte) (string, error) {
	sess, err := session.NewSender(p.Config, p.Store, name, data)
	if err != nil {
		return "", err
	}
	return sess.Status().TransferID, p.dialAndRun(ctx, addr, sess)
}

// ResumeSend reopens an interrupted outgoing transfer and drives it to
// completion. Only chunks the receiver has not verified are sent.
func (p *Peer) ResumeSend(ctx context.Context, addr, transferID string, data []byte) error {
	sess, err := session.ResumeSender(p.Config, p.Store, transferID, data)
	if err != nil {
		return err
	}
	return p.dialAndRun(ctx, addr, sess)
}

// Receive accepts one connection and receives one file to completion.
func (p *Peer) Receive(ctx context.Context) ([]byte, transfer.Manifest, error) {
	if p.listener == nil {
		return nil, transfer.Manifest{}, ErrNotListening
	}
	conn, err := p.listener.Accept(ctx)
	if err != nil {
		return nil, transfer.Manifest{}, err
	}
	defer conn.Close()

	sess, err := session.NewReceiver(p.Config, p.Store, p.Blobs)
	if err != nil {
		return nil, transfer.Manifest{}, err
	}
	if err := runSession(ctx, conn, sess); err != nil {
		return nil, transfer.Manifest{}, err
	}
	return sess.ReceivedFile()
}

func (p *Peer) dialAndRun(ctx context.Context, addr string, sess *session.Session) error {
	conn, err := quic.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return runSession(ctx, conn, sess)
}

// runSession pumps frames between the connection and the session until the
// session reaches a terminal state or the context ends.
func runSession(ctx context.Context, conn *quic.Conn, sess *session.Session) error {
	out, err := sess.Start()
	if err != nil {
		return err
	}
	if err := conn.SendAll(out); err != nil {
		return err
	}

	type recvResult struct {
		frame []byte
		err   error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		for {
			frame, err := conn.Recv()
			select {
			case recvCh <- recvResult{frame, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SendAll(sess.Cancel())
			return ctx.Err()
		case <-ticker.C:
			out, err := sess.Tick(time.Now())
			conn.SendAll(out)
			if err != nil {
				return err
			}
		case r := <-recvCh:
			if r.err != nil {
				// The peer may close the connection right after the final
				// frame; a finished session is not an error.
				if st := sess.Status(); st.State == session.StateCompleted {
					return nil
				}
				return r.err
			}
			out, derr := sess.Drive(r.frame)
			if serr := conn.SendAll(out); serr != nil && derr == nil {
				derr = serr
			}
			if derr != nil {
				if errors.Is(derr, session.ErrTerminal) && sess.Status().State == session.StateCompleted {
					return nil
				}
				return derr
			}
			switch sess.Status().State {
			case session.StateCompleted:
				return nil
			case session.StateFailed, session.StateCancelled:
				return sess.Status().Err
			}
		}
	}
}
