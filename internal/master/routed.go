package master

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
)

// refreshWindow is how close to expiry a cached routed token may get
// before the next dial mints a fresh one.
const refreshWindow = 60 * time.Second

// RoutedToken is a short-lived bearer minted by the master for one
// account on one (host, project) pair.
type RoutedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type issueRequest struct {
	HostID    string `json:"host_id"`
	ProjectID string `json:"project_id"`
}

// IssueToken asks the master to mint a routed token for the calling
// account on the given host and project.
func IssueToken(ctx context.Context, caller Caller, hostID, projectID string) (RoutedToken, error) {
	var tok RoutedToken
	req := issueRequest{HostID: hostID, ProjectID: projectID}
	if err := caller.Call(ctx, conat.HubHostsSubject, "issueProjectHostAuthToken", &tok, req); err != nil {
		return RoutedToken{}, err
	}
	if tok.Token == "" {
		return RoutedToken{}, errors.New("master returned an empty routed token")
	}
	return tok, nil
}

// ConnectFunc dials a project host's bus with a minted token.
type ConnectFunc func(ctx context.Context, hostID, projectID string, token RoutedToken) (*conat.Client, error)

// RoutedPoolOption configures the pool.
type RoutedPoolOption func(*RoutedPool)

// WithPoolClock overrides the clock, for tests.
func WithPoolClock(now func() time.Time) RoutedPoolOption {
	return func(p *RoutedPool) { p.now = now }
}

// WithPoolLogger overrides the default logger.
func WithPoolLogger(log *slog.Logger) RoutedPoolOption {
	return func(p *RoutedPool) { p.log = log }
}

// RoutedPool caches one authenticated connection per (host, project)
// pair. The minted token is cached alongside and refreshed when a dial
// finds it within a minute of expiry; a dead connection is redialed on
// next use. Concurrent users of the same pair share a single dial.
type RoutedPool struct {
	caller  Caller
	connect ConnectFunc
	now     func() time.Time
	log     *slog.Logger

	flight  singleflight.Group
	mu      sync.Mutex
	entries map[string]*routedEntry
}

type routedEntry struct {
	client *conat.Client
	token  RoutedToken
}

// NewRoutedPool builds a pool that mints tokens through caller and
// dials hosts through connect.
func NewRoutedPool(caller Caller, connect ConnectFunc, opts ...RoutedPoolOption) (*RoutedPool, error) {
	if caller == nil {
		return nil, errors.New("master: routed pool needs a caller")
	}
	if connect == nil {
		return nil, errors.New("master: routed pool needs a connect func")
	}
	p := &RoutedPool{
		caller:  caller,
		connect: connect,
		now:     time.Now,
		log:     slog.Default().With("component", "routed"),
		entries: make(map[string]*routedEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Client returns a live connection for the pair, dialing if needed.
func (p *RoutedPool) Client(ctx context.Context, hostID, projectID string) (*conat.Client, error) {
	key := hostID + "/" + projectID

	p.mu.Lock()
	if e := p.entries[key]; e != nil && alive(e.client) {
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	v, err, _ := p.flight.Do(key, func() (any, error) {
		p.mu.Lock()
		e := p.entries[key]
		var tok RoutedToken
		if e != nil {
			if alive(e.client) {
				p.mu.Unlock()
				return e.client, nil
			}
			tok = e.token
		}
		p.mu.Unlock()

		if tok.Token == "" || p.now().After(tok.ExpiresAt.Add(-refreshWindow)) {
			fresh, err := IssueToken(ctx, p.caller, hostID, projectID)
			if err != nil {
				return nil, err
			}
			tok = fresh
		}
		client, err := p.connect(ctx, hostID, projectID, tok)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		if old := p.entries[key]; old != nil && old.client != nil {
			old.client.Close()
		}
		p.entries[key] = &routedEntry{client: client, token: tok}
		p.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conat.Client), nil
}

// Invalidate drops the pair's connection and token so the next use
// mints and dials from scratch.
func (p *RoutedPool) Invalidate(hostID, projectID string) {
	key := hostID + "/" + projectID
	p.mu.Lock()
	e := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()
	if e != nil && e.client != nil {
		e.client.Close()
	}
}

// Do runs fn against the pair's connection with the credential retry
// contract: an auth failure invalidates the cached token and rebuilds
// the client exactly once, then the error stands.
func (p *RoutedPool) Do(ctx context.Context, hostID, projectID string, fn func(*conat.Client) error) error {
	allowTokenRetry := true
	for {
		client, err := p.Client(ctx, hostID, projectID)
		if err != nil {
			return err
		}
		err = fn(client)
		if err == nil || !core.IsAuthFailure(err) || !allowTokenRetry {
			return err
		}
		allowTokenRetry = false
		p.log.Info("routed call failed auth, rebuilding client",
			"host_id", hostID, "project_id", projectID)
		p.Invalidate(hostID, projectID)
	}
}

// Close drops every pooled connection.
func (p *RoutedPool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*routedEntry)
	p.mu.Unlock()
	for _, e := range entries {
		if e.client != nil {
			e.client.Close()
		}
	}
}

func alive(c *conat.Client) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.Closed():
		return false
	default:
		return true
	}
}
