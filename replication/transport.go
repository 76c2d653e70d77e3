package replication

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Conn is a bidirectional framed-message channel to one peer. Both the TCP
// transport and the in-process test transport satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
}

// Listener accepts inbound sync connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Transport abstracts how sync sessions reach peers so tests can substitute
// an in-process implementation with identical semantics.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
	Listen(addr string) (Listener, error)
}

// TCPTransport is the production transport.
type TCPTransport struct {
	DialTimeout time.Duration
}

const defaultDialTimeout = 5 * time.Second

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{DialTimeout: defaultDialTimeout}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial sync peer %s", addr)
	}
	return &tcpConn{Conn: c}, nil
}

func (t *TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on sync address %s", addr)
	}
	return &tcpListener{ln: ln}, nil
}

type tcpConn struct {
	net.Conn
}

func (c *tcpConn) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: c}, nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}
