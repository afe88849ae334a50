// Package quic carries session frames over a QUIC connection. The TLS layer
// uses a throwaway self-signed certificate; peer authentication happens
// inside the session's own key exchange.
package quic

import (
	"context"
	"net"

	q "github.com/quic-go/quic-go"
)

type Listener struct {
	inner *q.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := NewServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// Accept waits for a peer connection and its transfer stream.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &Conn{conn: conn, stream: stream}, nil
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

// Dial connects to a listening peer and opens the transfer stream.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConf, err := NewClientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &Conn{conn: conn, stream: stream}, nil
}
