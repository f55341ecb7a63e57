// Package pipe provides an in-memory net.Listener with no network
// presence: connections exist only between Dial and Accept on the same
// Listener value. The transport tests use it to drive a real server
// loop without binding ports.
package pipe

import (
	"context"
	"net"
	"sync"
)

// Listener hands each Dial's server end to Accept over an unbuffered
// channel, so a dial only completes once the server side has picked
// the connection up.
type Listener struct {
	accepts   chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewListener returns a ready-to-use Listener.
func NewListener() *Listener {
	return &Listener{
		accepts: make(chan net.Conn),
		closed:  make(chan struct{}),
	}
}

// Accept blocks until a dial arrives or the listener is closed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.accepts:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close unblocks pending Accept and Dial calls with net.ErrClosed.
// Safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Addr returns a synthetic in-memory address.
func (l *Listener) Addr() net.Addr {
	return pipeAddr{}
}

// Dial opens one in-memory connection and returns the client end. The
// server end goes to Accept. After Close, both ends are torn down and
// net.ErrClosed is returned.
func (l *Listener) Dial() (net.Conn, error) {
	return l.DialContext(context.Background())
}

// DialContext is Dial honouring ctx while waiting for the server side
// to accept. It satisfies the dial hooks of http.Transport and
// friends.
func (l *Listener) DialContext(ctx context.Context) (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case l.accepts <- server:
		return client, nil
	case <-l.closed:
		server.Close()
		client.Close()
		return nil, net.ErrClosed
	case <-ctx.Done():
		server.Close()
		client.Close()
		return nil, ctx.Err()
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "in-memory" }
