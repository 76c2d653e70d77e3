package replication

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// MemNetwork is the test-mode transport: sessions run over net.Pipe pairs
// inside one process, with the same framing, deadlines and state machine as
// the TCP transport. Addresses are plain strings registered by Listen.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: map[string]*memListener{}}
}

// Transport returns a Transport view of the network for one node.
func (n *MemNetwork) Transport() Transport {
	return &memTransport{net: n}
}

type memTransport struct {
	net *MemNetwork
}

func (t *memTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.net.mu.Lock()
	ln, ok := t.net.listeners[addr]
	t.net.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no test-mode listener at %s", addr)
	}

	local, remote := net.Pipe()
	select {
	case ln.acceptC <- &memConn{Conn: remote, remote: "dialer"}:
		return &memConn{Conn: local, remote: addr}, nil
	case <-ln.done:
		_ = local.Close()
		_ = remote.Close()
		return nil, errors.Errorf("test-mode listener at %s is closed", addr)
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, ctx.Err()
	}
}

func (t *memTransport) Listen(addr string) (Listener, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, exists := t.net.listeners[addr]; exists {
		return nil, errors.Errorf("test-mode address %s already in use", addr)
	}
	ln := &memListener{
		net:     t.net,
		addr:    addr,
		acceptC: make(chan Conn),
		done:    make(chan struct{}),
	}
	t.net.listeners[addr] = ln
	return ln, nil
}

type memListener struct {
	net     *MemNetwork
	addr    string
	acceptC chan Conn
	done    chan struct{}
	once    sync.Once
}

func (l *memListener) Accept() (Conn, error) {
	select {
	case c := <-l.acceptC:
		return c, nil
	case <-l.done:
		return nil, errors.New("test-mode listener closed")
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() string {
	return l.addr
}

type memConn struct {
	net.Conn
	remote string
}

func (c *memConn) RemoteAddr() string {
	return c.remote
}
