package conat

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/authn"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sagemathinc/project-host/internal/core"
)

// connQueue is the per-connection outbound buffer. A consumer that
// falls this far behind is disconnected rather than allowed to stall
// the router.
const connQueue = 256

// Accept limiter defaults. Reconnect storms after a host restart are
// smoothed instead of thundering into the authorizer.
const (
	acceptRate  = 10
	acceptBurst = 50
)

// ServerOption configures the bus server.
type ServerOption func(*Server)

// WithServerLogger overrides the default component logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithAllowedOrigins sets the Origin allowlist for browser websocket
// upgrades. Empty means same-origin only; "*" allows any.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithAcceptLimit overrides the upgrade rate limit.
func WithAcceptLimit(r rate.Limit, burst int) ServerOption {
	return func(s *Server) { s.limiter = rate.NewLimiter(r, burst) }
}

// Server routes frames between authenticated connections, enforcing
// the subject ACL on every pub and sub. It implements http.Handler
// for websocket clients; in-process clients attach through InProcess.
type Server struct {
	authorizer *core.Authorizer
	log        *slog.Logger
	limiter    *rate.Limiter
	origins    []string
	upgrader   websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*serverConn]struct{}
	closed bool

	// Counters surfaced to heartbeat and metrics.
	published atomic.Uint64
	delivered atomic.Uint64
	denied    atomic.Uint64
}

// NewServer returns a bus server enforcing the given ACL.
func NewServer(authorizer *core.Authorizer, opts ...ServerOption) *Server {
	s := &Server{
		authorizer: authorizer,
		log:        slog.Default().With("component", "conat-server"),
		limiter:    rate.NewLimiter(acceptRate, acceptBurst),
		conns:      make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// ServeHTTP upgrades an authenticated request to a bus connection.
// It must be mounted behind the sign-in middleware, which stores the
// caller's identity in the request context.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := authn.GetInfo(r.Context()).(core.Identity)
	if !ok || !identity.Valid() {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if !s.limiter.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.serveConn(newWSConn(ws), identity)
}

// InProcess attaches a client directly to the router with the given
// identity, bypassing the websocket layer. The host's own services
// use this with the hub identity.
func (s *Server) InProcess(identity core.Identity) *Client {
	serverEnd, clientEnd := newFramePipe()
	s.serveConn(serverEnd, identity)
	return NewClient(clientEnd, identity)
}

// LiveConnections returns the number of attached connections.
func (s *Server) LiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stats returns routing counters since process start.
func (s *Server) Stats() (published, delivered, denied uint64) {
	return s.published.Load(), s.delivered.Load(), s.denied.Load()
}

// Close disconnects every client. New connections are rejected.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	// Same-origin fallback.
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) serveConn(conn frameConn, identity core.Identity) {
	c := &serverConn{
		srv:      s,
		conn:     conn,
		identity: identity,
		out:      make(chan Frame, connQueue),
		done:     make(chan struct{}),
		subs:     make(map[string]string),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("connection opened", "identity", identity.String())
	go c.writeLoop()
	go c.readLoop()
}

func (s *Server) removeConn(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.log.Debug("connection closed", "identity", c.identity.String())
}

// route delivers a published frame to every matching subscription.
func (s *Server) route(f Frame) {
	s.published.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		c.deliver(f)
	}
}

// serverConn is one attached client: its identity, its subscriptions,
// and a bounded outbound queue.
type serverConn struct {
	srv      *Server
	conn     frameConn
	identity core.Identity

	out  chan Frame
	done chan struct{}
	once sync.Once

	mu   sync.RWMutex
	subs map[string]string // sid -> pattern
}

func (c *serverConn) readLoop() {
	defer c.close()
	ctx := context.Background()

	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			return
		}
		if err := validateClientFrame(f); err != nil {
			c.enqueue(Frame{Op: opErr, Code: core.CodeInvalid, Message: err.Error()})
			return
		}

		switch f.Op {
		case opPing:
			c.enqueue(Frame{Op: opPong})

		case opSub:
			if !c.srv.authorizer.Allowed(ctx, c.identity, core.OpSub, f.Subject) {
				c.denied(f.Subject, f.SID)
				continue
			}
			c.mu.Lock()
			c.subs[f.SID] = f.Subject
			c.mu.Unlock()

		case opUnsub:
			c.mu.Lock()
			delete(c.subs, f.SID)
			c.mu.Unlock()

		case opPub:
			if !c.srv.authorizer.Allowed(ctx, c.identity, core.OpPub, f.Subject) {
				c.denied(f.Subject, "")
				continue
			}
			// Reply subjects must live under the publisher's own bound
			// inbox prefix, so replies cannot be redirected to another
			// principal.
			if f.Reply != "" && c.identity.Type != core.UserHub &&
				!strings.HasPrefix(f.Reply, c.identity.InboxPrefix()) {
				c.denied(f.Reply, "")
				continue
			}
			c.srv.route(Frame{Op: opMsg, Subject: f.Subject, Reply: f.Reply, Data: f.Data, Headers: f.Headers})
		}
	}
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			if err := c.conn.WriteFrame(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if p, ok := c.conn.(pinger); ok {
				if err := p.Ping(); err != nil {
					c.close()
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

// deliver enqueues the frame for every local subscription matching its
// subject. Must be called with the server's read lock held.
func (c *serverConn) deliver(f Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sid, pattern := range c.subs {
		if !SubjectMatches(pattern, f.Subject) {
			continue
		}
		out := f
		out.SID = sid
		c.srv.delivered.Add(1)
		select {
		case c.out <- out:
		default:
			// Slow consumer: disconnect rather than block the router.
			c.srv.log.Warn("dropping slow consumer",
				"identity", c.identity.String(), "subject", f.Subject)
			go c.close()
			return
		}
	}
}

func (c *serverConn) denied(subject, sid string) {
	c.srv.denied.Add(1)
	err := &core.PolicyError{Identity: c.identity, Subject: subject}
	c.srv.log.Warn("denied", "identity", c.identity.String(), "subject", subject)
	c.enqueue(Frame{Op: opErr, Code: core.CodePolicy, Message: err.Error(), SID: sid, Subject: subject})
}

func (c *serverConn) enqueue(f Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	default:
	}
}

func (c *serverConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.srv.removeConn(c)
	})
}
