package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
)

// socket is one proxied websocket: the hijacked client connection, the
// backend connection, and the credential captured at upgrade time.
type socket struct {
	client   net.Conn
	backend  net.Conn
	account  string
	issuedAt int64
	once     sync.Once
}

// close tears down both halves. Safe to call from the sweep and from
// the relay concurrently.
func (s *socket) close() {
	s.once.Do(func() {
		s.client.Close()
		s.backend.Close()
	})
}

type socketSet struct {
	mu   sync.Mutex
	live map[*socket]struct{}
}

func newSocketSet() *socketSet {
	return &socketSet{live: make(map[*socket]struct{})}
}

func (ss *socketSet) add(client, backend net.Conn, cred credential) *socket {
	s := &socket{
		client:   client,
		backend:  backend,
		account:  cred.accountID,
		issuedAt: cred.issuedAt,
	}
	ss.mu.Lock()
	ss.live[s] = struct{}{}
	ss.mu.Unlock()
	return s
}

func (ss *socketSet) remove(s *socket) {
	ss.mu.Lock()
	delete(ss.live, s)
	ss.mu.Unlock()
}

func (ss *socketSet) snapshot() []*socket {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*socket, 0, len(ss.live))
	for s := range ss.live {
		out = append(out, s)
	}
	return out
}

func (ss *socketSet) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.live)
}

// relay pumps bytes both ways until either side closes, then removes
// the socket from the registry. The buffered reader from the hijack
// carries any client bytes that arrived before the handoff.
func (h *Handler) relay(s *socket, buf *bufio.ReadWriter) {
	defer func() {
		h.sockets.remove(s)
		h.metrics.ProxyWebsocket(context.Background(), -1)
	}()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(s.backend, buf) // client → backend
		errc <- err
	}()
	go func() {
		_, err := io.Copy(s.client, s.backend) // backend → client
		errc <- err
	}()

	<-errc // first direction done
	s.close()
	<-errc // second direction done
}
