package conat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sagemathinc/project-host/internal/core"
)

// subQueue buffers deliveries per subscription so a slow handler does
// not stall the client's read loop immediately.
const subQueue = 256

// DialOption configures a websocket bus connection.
type DialOption func(*dialConfig)

type dialConfig struct {
	header      http.Header
	bearerFunc  func() string
	dialTimeout time.Duration
}

// WithBearer presents a static bearer token at the upgrade.
func WithBearer(token string) DialOption {
	return WithBearerFunc(func() string { return token })
}

// WithBearerFunc resolves the bearer token at dial time. Returning ""
// omits the Authorization header; the master rejects the connection
// and the caller falls back to its bootstrap path.
func WithBearerFunc(fn func() string) DialOption {
	return func(c *dialConfig) { c.bearerFunc = fn }
}

// WithCookie presents a cookie at the upgrade.
func WithCookie(name, value string) DialOption {
	return func(c *dialConfig) {
		c.header.Add("Cookie", (&http.Cookie{Name: name, Value: value}).String())
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.dialTimeout = d }
}

// Dial opens a websocket bus connection. The identity must match what
// the server will bind from the presented credentials; it determines
// the inbox prefix used for request/reply.
func Dial(ctx context.Context, wsURL string, identity core.Identity, opts ...DialOption) (*Client, error) {
	cfg := &dialConfig{header: http.Header{}, dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.bearerFunc != nil {
		if token := cfg.bearerFunc(); token != "" {
			cfg.header.Set("Authorization", "Bearer "+token)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, wsURL, cfg.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &core.AuthError{Reason: fmt.Sprintf("bus rejected connection with %s", resp.Status), Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return NewClient(newWSConn(ws), identity), nil
}

// Client is one bus connection. Safe for concurrent use.
type Client struct {
	conn     frameConn
	identity core.Identity
	log      *slog.Logger

	nextSID atomic.Uint64

	mu     sync.Mutex
	subs   map[string]*Subscription
	pong   chan struct{}
	closed chan struct{}
	once   sync.Once
	err    error
}

// NewClient wraps an established frame transport and starts its read
// loop.
func NewClient(conn frameConn, identity core.Identity) *Client {
	c := &Client{
		conn:     conn,
		identity: identity,
		log:      slog.Default().With("component", "conat-client", "identity", identity.String()),
		subs:     make(map[string]*Subscription),
		pong:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	go c.keepalive()
	return c
}

// Flush sends a protocol ping and waits for the pong, confirming the
// server has processed every frame this client sent before it.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.conn.WriteFrame(Frame{Op: opPing}); err != nil {
		return err
	}
	select {
	case <-c.pong:
		return nil
	case <-c.closed:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Identity returns the identity this client authenticated as.
func (c *Client) Identity() core.Identity { return c.identity }

// Closed is closed once the connection is gone.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Err returns the error that terminated the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. Pending Next calls return
// errConnClosed.
func (c *Client) Close() error {
	c.fail(nil)
	return nil
}

func (c *Client) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		subs := make([]*Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.markDone()
		}
		c.conn.Close()
		close(c.closed)
	})
}

func (c *Client) readLoop() {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			c.fail(err)
			return
		}
		switch f.Op {
		case opMsg:
			c.mu.Lock()
			sub := c.subs[f.SID]
			c.mu.Unlock()
			if sub == nil {
				continue
			}
			msg := &Msg{Subject: f.Subject, Reply: f.Reply, Data: f.Data, Headers: f.Headers}
			select {
			case sub.ch <- msg:
			default:
				c.log.Warn("dropping message on saturated subscription", "subject", f.Subject)
			}
		case opErr:
			c.log.Warn("server error frame", "code", f.Code, "message", f.Message, "subject", f.Subject)
		case opPong:
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

// keepalive sends protocol pings so intermediaries see traffic even on
// otherwise idle connections.
func (c *Client) keepalive() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteFrame(Frame{Op: opPing}); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Publish sends data on a subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.publish(subject, "", data, nil)
}

func (c *Client) publish(subject, reply string, data []byte, headers map[string]string) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	return c.conn.WriteFrame(Frame{Op: opPub, Subject: subject, Reply: reply, Data: data, Headers: headers})
}

// Subscription receives messages matching one subject pattern.
type Subscription struct {
	client  *Client
	sid     string
	subject string
	ch      chan *Msg
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) markDone() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe registers interest in a subject pattern.
func (c *Client) Subscribe(subject string) (*Subscription, error) {
	if !ValidSubject(subject) {
		return nil, &core.ErrInvalidInput{Field: "subject", Message: subject}
	}
	sid := strconv.FormatUint(c.nextSID.Add(1), 10)
	sub := &Subscription{
		client:  c,
		sid:     sid,
		subject: subject,
		ch:      make(chan *Msg, subQueue),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, errConnClosed
	default:
	}
	c.subs[sid] = sub
	c.mu.Unlock()

	if err := c.conn.WriteFrame(Frame{Op: opSub, Subject: subject, SID: sid}); err != nil {
		c.mu.Lock()
		delete(c.subs, sid)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Next blocks for the next message, the context's end, or teardown of
// the subscription or connection. Messages buffered before teardown
// are still drained.
func (s *Subscription) Next(ctx context.Context) (*Msg, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe removes the subscription. Buffered messages are
// discarded.
func (s *Subscription) Unsubscribe() {
	c := s.client
	c.mu.Lock()
	_, present := c.subs[s.sid]
	delete(c.subs, s.sid)
	c.mu.Unlock()
	if present {
		c.conn.WriteFrame(Frame{Op: opUnsub, SID: s.sid})
	}
	s.markDone()
}

// Request publishes with a fresh inbox reply subject and waits for a
// single response.
func (c *Client) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	inbox := NewInbox(c.identity)
	sub, err := c.Subscribe(inbox)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := c.publish(subject, inbox, data, nil); err != nil {
		return nil, err
	}
	return sub.Next(ctx)
}

// RequestStream publishes a request whose response arrives as an
// ordered sequence of frames.
func (c *Client) RequestStream(ctx context.Context, subject string, data []byte) (*Stream, error) {
	inbox := NewInbox(c.identity)
	sub, err := c.Subscribe(inbox)
	if err != nil {
		return nil, err
	}
	if err := c.publish(subject, inbox, data, nil); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return &Stream{sub: sub, subject: subject, want: 1}, nil
}

// Stream is an in-order sequence of response payloads. Frames carry a
// seq header starting at 1; an empty payload ends the stream; a gap in
// the sequence is fatal.
type Stream struct {
	sub     *Subscription
	subject string
	want    int
	done    bool
}

// Recv returns the next payload. io.EOF signals a clean end.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	msg, err := s.sub.Next(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	seq, err := strconv.Atoi(msg.Headers[headerSeq])
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("stream frame without seq header on %s", s.subject)
	}
	if seq != s.want {
		s.Close()
		return nil, &core.ErrMissedStream{Subject: s.subject, Want: s.want, Got: seq}
	}
	s.want++

	if code := msg.Headers[headerCode]; code != "" {
		s.Close()
		return nil, &core.ServiceError{Code: code, Message: msg.Headers[headerMessage]}
	}
	if len(msg.Data) == 0 {
		s.Close()
		return nil, io.EOF
	}
	return msg.Data, nil
}

// Close releases the stream's subscription. Safe to call repeatedly.
func (s *Stream) Close() {
	s.done = true
	s.sub.Unsubscribe()
}
