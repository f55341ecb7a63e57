// Package master maintains the host's half of the master relationship:
// a supervised bus connection that registers the host, heartbeats, and
// rotates the bearer credential; typed wrappers over the master's
// services; the hub-only control service the master drives this host
// through; and the routed token pool used to reach project hosts.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/secrets"
	"github.com/sagemathinc/project-host/internal/tunnel"
)

// Session maintenance timings. Failed sessions back off 2s→60s with
// jitter; the heartbeat and the on-disk credential check both run on
// 30s ticks; every individual master call is bounded so one hung
// request ends the session instead of wedging it.
const (
	defaultRetryMin      = 2 * time.Second
	defaultRetryMax      = 60 * time.Second
	defaultHeartbeatTick = 30 * time.Second
	defaultTokenTick     = 30 * time.Second
	defaultCallTimeout   = 10 * time.Second
)

// Caller is anything that can invoke a method on the master bus: a
// live Link, or a raw client owned by the CLI daemon.
type Caller interface {
	Call(ctx context.Context, subject, method string, out any, args ...any) error
}

// LoadFunc reports current host load for heartbeat payloads.
type LoadFunc func() (liveConnections, activeLROs int)

// InfoFunc builds the registration payload. It runs on every
// (re)connect so late-bound fields like the tunnel key stay current.
type InfoFunc func(ctx context.Context) (core.RegisterInfo, error)

// dialFunc opens an authenticated connection to the master bus. Tests
// substitute in-process pipes.
type dialFunc func(ctx context.Context, token string) (*conat.Client, error)

// LinkOption configures the link.
type LinkOption func(*Link)

// WithRegisterInfo sets the registration payload builder.
func WithRegisterInfo(fn InfoFunc) LinkOption {
	return func(l *Link) { l.info = fn }
}

// WithLoad sets the heartbeat load source.
func WithLoad(fn LoadFunc) LinkOption {
	return func(l *Link) { l.load = fn }
}

// WithVersion sets the software version reported to the master.
func WithVersion(v string) LinkOption {
	return func(l *Link) { l.version = v }
}

// WithLinkServices registers services served on every master session,
// chiefly the host control service.
func WithLinkServices(svcs ...*conat.Service) LinkOption {
	return func(l *Link) { l.services = append(l.services, svcs...) }
}

// WithRevocationSink sets the consumer for account-revocation
// broadcasts. Without one the link ignores the revocation subject.
func WithRevocationSink(fn func(context.Context, core.AccountRevocation) error) LinkOption {
	return func(l *Link) { l.revoke = fn }
}

// WithHeartbeatInterval overrides the heartbeat tick.
func WithHeartbeatInterval(d time.Duration) LinkOption {
	return func(l *Link) { l.heartbeatEvery = d }
}

// WithTokenCheckInterval overrides the credential re-check tick.
func WithTokenCheckInterval(d time.Duration) LinkOption {
	return func(l *Link) { l.tokenEvery = d }
}

// WithRetry overrides the reconnect backoff bounds.
func WithRetry(min, max time.Duration) LinkOption {
	return func(l *Link) {
		l.retryMin = min
		l.retryMax = max
	}
}

// WithCallTimeout overrides the per-call bound on master requests.
func WithCallTimeout(d time.Duration) LinkOption {
	return func(l *Link) { l.callTimeout = d }
}

// WithLinkLogger overrides the default logger.
func WithLinkLogger(log *slog.Logger) LinkOption {
	return func(l *Link) { l.log = log }
}

// WithDialFunc substitutes the master dialer, for tests.
func WithDialFunc(fn dialFunc) LinkOption {
	return func(l *Link) { l.dial = fn }
}

// Link keeps one registered session with the master alive. Each
// session dials with the current bearer (falling back to the bootstrap
// credential and rotating it into a real one), installs the
// project-host auth public key and follows its broadcast rotations,
// serves the registered services, registers the host, then heartbeats
// until the connection or the context dies. Other subsystems reach the
// master through Call, which fails fast while no session is live.
type Link struct {
	url      string
	hostID   string
	secrets  *secrets.Manager
	verifier *core.TokenVerifier

	info     InfoFunc
	load     LoadFunc
	version  string
	services []*conat.Service
	revoke   func(context.Context, core.AccountRevocation) error
	dial     dialFunc
	log      *slog.Logger

	heartbeatEvery time.Duration
	tokenEvery     time.Duration
	callTimeout    time.Duration
	retryMin       time.Duration
	retryMax       time.Duration

	mu      sync.RWMutex
	conn    *conat.Client
	started time.Time
}

// NewLink builds a link to the master bus at masterURL.
func NewLink(masterURL, hostID string, sec *secrets.Manager, verifier *core.TokenVerifier, opts ...LinkOption) (*Link, error) {
	if masterURL == "" {
		return nil, errors.New("master: url required")
	}
	if !core.IsUUID(hostID) {
		return nil, fmt.Errorf("master: host id %q is not a UUID", hostID)
	}
	if sec == nil {
		return nil, errors.New("master: secrets manager required")
	}
	if verifier == nil {
		return nil, errors.New("master: token verifier required")
	}
	l := &Link{
		url:            masterURL,
		hostID:         hostID,
		secrets:        sec,
		verifier:       verifier,
		version:        "devel",
		heartbeatEvery: defaultHeartbeatTick,
		tokenEvery:     defaultTokenTick,
		callTimeout:    defaultCallTimeout,
		retryMin:       defaultRetryMin,
		retryMax:       defaultRetryMax,
		log:            slog.Default().With("component", "master"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dial == nil {
		l.dial = func(ctx context.Context, token string) (*conat.Client, error) {
			return conat.Dial(ctx, l.url, core.Host(l.hostID), conat.WithBearer(token))
		}
	}
	if l.info == nil {
		l.info = func(context.Context) (core.RegisterInfo, error) {
			return core.RegisterInfo{ID: l.hostID, Version: l.version}, nil
		}
	}
	return l, nil
}

// HostID returns the durable identity this link registers under.
func (l *Link) HostID() string { return l.hostID }

// Connected reports whether a registered master session is live.
func (l *Link) Connected() bool { return l.current() != nil }

// Call invokes a method on the master bus over the live session.
func (l *Link) Call(ctx context.Context, subject, method string, out any, args ...any) error {
	conn := l.current()
	if conn == nil {
		return &core.ErrNotReady{Subsystem: "master link"}
	}
	return conn.Call(ctx, subject, method, out, args...)
}

// TunnelRegistrar adapts the link to the tunnel supervisor's
// registration hook: upload the host's public key, get the current
// forward assignment back.
func (l *Link) TunnelRegistrar(publicKey string) tunnel.RegisterFunc {
	return func(ctx context.Context) (tunnel.Endpoints, error) {
		var ep tunnel.Endpoints
		req := tunnelRegisterRequest{HostID: l.hostID, PublicKey: publicKey}
		if err := l.Call(ctx, conat.HubHostsSubject, "registerOnPremTunnel", &ep, req); err != nil {
			return tunnel.Endpoints{}, err
		}
		return ep, nil
	}
}

// Start runs sessions until ctx is cancelled, implementing
// transport.Listener. A session that got as far as registering resets
// the backoff; anything earlier ramps it.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	l.started = time.Now()
	l.mu.Unlock()

	retry := &backoff.Backoff{
		Min:    l.retryMin,
		Max:    l.retryMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		registered, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			retry.Reset()
		}
		d := retry.Duration()
		l.log.Warn("master session ended", "err", err, "retry_in", d)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// Stop closes the live session so Start unblocks promptly.
func (l *Link) Stop(context.Context) error {
	if conn := l.current(); conn != nil {
		conn.Close()
	}
	return nil
}

func (l *Link) current() *conat.Client {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

func (l *Link) setConn(conn *conat.Client) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

// session runs one connect → register → heartbeat cycle and reports
// whether registration succeeded before the session ended.
func (l *Link) session(ctx context.Context) (registered bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	token, fromEnv, err := l.secrets.MasterToken()
	if err != nil {
		return false, err
	}
	if token == "" {
		if token, err = l.bootstrap(ctx); err != nil {
			return false, err
		}
	}

	conn, err := l.dial(ctx, token)
	if err != nil {
		return false, fmt.Errorf("dial master: %w", err)
	}
	defer conn.Close()

	if err := l.installCurrentKey(ctx, conn); err != nil {
		return false, err
	}
	sub, err := conn.Subscribe(conat.KeyBroadcastSubject)
	if err != nil {
		return false, fmt.Errorf("subscribe key broadcast: %w", err)
	}
	go l.watchKeys(ctx, sub)

	if l.revoke != nil {
		rsub, err := conn.Subscribe(conat.RevocationBroadcastSubject)
		if err != nil {
			return false, fmt.Errorf("subscribe revocation broadcast: %w", err)
		}
		go l.watchRevocations(ctx, rsub)
	}

	for _, svc := range l.services {
		if err := conn.Serve(ctx, svc); err != nil {
			return false, err
		}
	}

	info, err := l.info(ctx)
	if err != nil {
		return false, fmt.Errorf("build registration: %w", err)
	}
	if err := l.call(ctx, conn, "register", nil, info); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	l.log.Info("registered with master", "url", l.url, "name", info.Name)

	l.setConn(conn)
	defer l.setConn(nil)

	heartbeat := time.NewTicker(l.heartbeatEvery)
	defer heartbeat.Stop()
	tokenCheck := time.NewTicker(l.tokenEvery)
	defer tokenCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-conn.Closed():
			return true, fmt.Errorf("connection lost: %w", conn.Err())
		case <-heartbeat.C:
			if err := l.heartbeat(ctx, conn); err != nil {
				return true, fmt.Errorf("heartbeat: %w", err)
			}
		case <-tokenCheck.C:
			if fromEnv {
				continue
			}
			if err := l.ensureTokenFile(ctx, conn); err != nil {
				l.log.Warn("master token check failed", "err", err)
			}
		}
	}
}

// bootstrap exchanges the one-shot bootstrap credential for a real
// bearer and persists it before the main session dials.
func (l *Link) bootstrap(ctx context.Context) (string, error) {
	boot := l.secrets.BootstrapToken()
	if boot == "" {
		return "", errors.New("no master token on disk and no bootstrap token configured")
	}
	conn, err := l.dial(ctx, boot)
	if err != nil {
		return "", fmt.Errorf("bootstrap dial: %w", err)
	}
	defer conn.Close()

	token, err := l.rotate(ctx, conn, boot)
	if err != nil {
		return "", fmt.Errorf("rotate bootstrap token: %w", err)
	}
	if err := l.secrets.WriteMasterToken(token); err != nil {
		return "", fmt.Errorf("persist master token: %w", err)
	}
	l.log.Info("bootstrapped master credential")
	return token, nil
}

// ensureTokenFile re-mints the bearer when its file has disappeared
// from disk. The in-memory value is never rewritten: once the master
// rotated us to a new token, the old one is dead.
func (l *Link) ensureTokenFile(ctx context.Context, conn *conat.Client) error {
	token, fromEnv, err := l.secrets.MasterToken()
	if err != nil {
		return err
	}
	if token != "" || fromEnv {
		return nil
	}
	fresh, err := l.rotate(ctx, conn, "")
	if err != nil {
		return err
	}
	if err := l.secrets.WriteMasterToken(fresh); err != nil {
		return err
	}
	l.log.Info("restored master token after it disappeared from disk")
	return nil
}

type rotateRequest struct {
	HostID         string `json:"host_id"`
	BootstrapToken string `json:"bootstrap_token,omitempty"`
}

type rotateResponse struct {
	Token string `json:"token"`
}

func (l *Link) rotate(ctx context.Context, conn *conat.Client, bootstrap string) (string, error) {
	var resp rotateResponse
	req := rotateRequest{HostID: l.hostID, BootstrapToken: bootstrap}
	if err := l.call(ctx, conn, "rotateMasterConatToken", &resp, req); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.New("master returned an empty token")
	}
	return resp.Token, nil
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// installCurrentKey fetches the routed-token verification key so the
// proxy and bus accept account tokens from the first request on.
func (l *Link) installCurrentKey(ctx context.Context, conn *conat.Client) error {
	var resp publicKeyResponse
	if err := l.call(ctx, conn, "projectHostAuthPublicKey", &resp); err != nil {
		return fmt.Errorf("fetch auth public key: %w", err)
	}
	if err := l.verifier.SetKeyPEM([]byte(resp.PublicKey)); err != nil {
		return fmt.Errorf("install auth public key: %w", err)
	}
	return nil
}

// watchKeys follows key-rotation broadcasts for the life of a session.
func (l *Link) watchKeys(ctx context.Context, sub *conat.Subscription) {
	defer sub.Unsubscribe()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var kb publicKeyResponse
		if err := json.Unmarshal(msg.Data, &kb); err != nil || kb.PublicKey == "" {
			l.log.Warn("ignoring malformed key broadcast")
			continue
		}
		if err := l.verifier.SetKeyPEM([]byte(kb.PublicKey)); err != nil {
			l.log.Warn("rejected broadcast auth key", "err", err)
			continue
		}
		l.log.Info("installed rotated auth public key")
	}
}

// watchRevocations feeds account-revocation broadcasts to the sink for
// the life of a session.
func (l *Link) watchRevocations(ctx context.Context, sub *conat.Subscription) {
	defer sub.Unsubscribe()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var r core.AccountRevocation
		if err := json.Unmarshal(msg.Data, &r); err != nil || !core.IsUUID(r.AccountID) {
			l.log.Warn("ignoring malformed revocation broadcast")
			continue
		}
		if err := l.revoke(ctx, r); err != nil {
			l.log.Warn("store revocation", "account_id", r.AccountID, "err", err)
			continue
		}
		l.log.Info("account revocation recorded", "account_id", r.AccountID,
			"revoked_before_ms", r.RevokedBeforeMS)
	}
}

func (l *Link) heartbeat(ctx context.Context, conn *conat.Client) error {
	live, lros := 0, 0
	if l.load != nil {
		live, lros = l.load()
	}
	l.mu.RLock()
	uptime := int64(time.Since(l.started).Seconds())
	l.mu.RUnlock()
	hb := core.HeartbeatInfo{
		ID:              l.hostID,
		Version:         l.version,
		LiveConnections: live,
		ActiveLROs:      lros,
		UptimeSeconds:   uptime,
	}
	return l.call(ctx, conn, "heartbeat", nil, hb)
}

// call is a bounded request against the master's host API.
func (l *Link) call(ctx context.Context, conn *conat.Client, method string, out any, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	return conn.Call(ctx, conat.HubHostsSubject, method, out, args...)
}

type tunnelRegisterRequest struct {
	HostID    string `json:"host_id"`
	PublicKey string `json:"public_key"`
}
