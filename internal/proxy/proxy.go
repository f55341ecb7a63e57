// Package proxy implements the authenticating HTTP and websocket
// reverse proxy in front of project servers. A request names its
// target as /<project_id>/proxy/<port>/..., authenticates with a
// session cookie or a routed bearer token, and is forwarded to the
// project's published port once collaborator membership checks out.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/metrics"
	"github.com/sagemathinc/project-host/internal/middleware"
)

// DefaultSweepInterval is how often tracked websockets are re-checked
// against the revocation table.
const DefaultSweepInterval = 30 * time.Second

// backendDialTimeout bounds the TCP connect to a project server.
const backendDialTimeout = 10 * time.Second

// RevocationSource answers whether credentials issued at a given time
// have been revoked for an account.
type RevocationSource interface {
	IsRevoked(ctx context.Context, accountID string, iatSeconds int64) (bool, error)
}

// MembershipSource answers project-collaborator checks.
type MembershipSource interface {
	Collaborator(ctx context.Context, accountID, projectID string) (bool, error)
}

// TargetResolver maps a project's published port to a dialable
// host:port. The container runtime provides the real implementation.
type TargetResolver interface {
	PublishedAddress(ctx context.Context, projectID string, port int) (string, error)
}

// ResolverFunc adapts a function to TargetResolver.
type ResolverFunc func(ctx context.Context, projectID string, port int) (string, error)

func (f ResolverFunc) PublishedAddress(ctx context.Context, projectID string, port int) (string, error) {
	return f(ctx, projectID, port)
}

// Loopback resolves every port to 127.0.0.1, the fallback when the
// runtime reports no published address.
var Loopback = ResolverFunc(func(_ context.Context, _ string, port int) (string, error) {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
})

// Target is a parsed proxy path.
type Target struct {
	ProjectID string
	Port      int
	Rest      string // always begins with "/"
}

// ParseTarget splits /<project_id>/proxy/<port>/rest under basePath.
func ParseTarget(basePath, path string) (Target, bool) {
	if basePath != "" && basePath != "/" {
		trimmed, ok := strings.CutPrefix(path, strings.TrimSuffix(basePath, "/"))
		if !ok {
			return Target{}, false
		}
		path = trimmed
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 4)
	if len(parts) < 3 || parts[1] != "proxy" {
		return Target{}, false
	}
	if !core.IsUUID(parts[0]) {
		return Target{}, false
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port < 1 || port > 65535 {
		return Target{}, false
	}
	rest := "/"
	if len(parts) == 4 {
		rest += parts[3]
	}
	return Target{ProjectID: parts[0], Port: port, Rest: rest}, true
}

// HandlerOption configures the proxy handler.
type HandlerOption func(*Handler)

// WithBasePath prefixes all proxied paths and suffixes the session
// cookie name, so hosts sharing an origin keep separate sessions.
func WithBasePath(basePath string) HandlerOption {
	return func(h *Handler) {
		h.basePath = basePath
		h.cookieName = middleware.SessionCookieName(basePath)
	}
}

// WithSecureCookies marks issued session cookies Secure. Set when the
// listener terminates TLS.
func WithSecureCookies(secure bool) HandlerOption {
	return func(h *Handler) { h.secure = secure }
}

// WithProxyLogger overrides the default logger.
func WithProxyLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithProxyMetrics records request outcomes and live socket counts.
func WithProxyMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithTransport overrides the backend round tripper, for tests.
func WithTransport(rt http.RoundTripper) HandlerOption {
	return func(h *Handler) { h.transport = rt }
}

// WithBackendDialer overrides the websocket backend dialer, for tests.
func WithBackendDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) HandlerOption {
	return func(h *Handler) { h.dial = dial }
}

// Handler authenticates and forwards proxy traffic. It implements
// http.Handler.
type Handler struct {
	sessions    *core.SessionCodec
	verifier    *core.TokenVerifier
	revocations RevocationSource
	members     MembershipSource
	targets     TargetResolver

	basePath   string
	cookieName string
	secure     bool
	log        *slog.Logger
	metrics    *metrics.Metrics
	sockets    *socketSet

	transport http.RoundTripper
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewHandler builds the proxy. The zero base path serves at the root.
func NewHandler(sessions *core.SessionCodec, verifier *core.TokenVerifier, revocations RevocationSource, members MembershipSource, targets TargetResolver, opts ...HandlerOption) *Handler {
	h := &Handler{
		sessions:    sessions,
		verifier:    verifier,
		revocations: revocations,
		members:     members,
		targets:     targets,
		cookieName:  middleware.SessionCookieName(""),
		log:         slog.Default().With("component", "proxy"),
		sockets:     newSocketSet(),
		dial:        (&net.Dialer{Timeout: backendDialTimeout}).DialContext,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// credential is an authenticated account plus the issue time its
// revocation standing is judged by.
type credential struct {
	accountID string
	issuedAt  int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target, ok := ParseTarget(h.basePath, r.URL.Path)
	if !ok {
		h.metrics.ProxyRequest(ctx, "not_found")
		http.NotFound(w, r)
		return
	}

	cred, freshBearer, fromQuery, err := h.authenticate(ctx, w, r)
	if err != nil {
		h.metrics.ProxyRequest(ctx, "unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	member, err := h.members.Collaborator(ctx, cred.accountID, target.ProjectID)
	if err != nil {
		h.log.Warn("membership lookup failed", "account_id", cred.accountID,
			"project_id", target.ProjectID, "err", err)
		h.metrics.ProxyRequest(ctx, "error")
		http.Error(w, "membership check unavailable", http.StatusServiceUnavailable)
		return
	}
	if !member {
		h.metrics.ProxyRequest(ctx, "forbidden")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// A websocket upgrade cannot carry Set-Cookie back to the browser,
	// so sessions are only minted on plain requests.
	isWS := websocket.IsWebSocketUpgrade(r)
	if freshBearer && !isWS {
		h.issueSession(w, r, cred.accountID)
	}

	// A token in the query string must not reach backends or logs:
	// bounce idempotent requests to the clean URL, strip in place
	// otherwise.
	if fromQuery {
		if !isWS && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			clean := *r.URL
			q := clean.Query()
			q.Del(middleware.AuthQueryParam)
			clean.RawQuery = q.Encode()
			h.metrics.ProxyRequest(ctx, "redirect")
			http.Redirect(w, r, clean.String(), http.StatusFound)
			return
		}
		q := r.URL.Query()
		q.Del(middleware.AuthQueryParam)
		r.URL.RawQuery = q.Encode()
	}

	addr, err := h.targets.PublishedAddress(ctx, target.ProjectID, target.Port)
	if err != nil {
		h.log.Warn("no published address", "project_id", target.ProjectID,
			"port", target.Port, "err", err)
		h.metrics.ProxyRequest(ctx, "bad_gateway")
		http.Error(w, "project server unavailable", http.StatusBadGateway)
		return
	}

	if isWS {
		h.proxyWebSocket(w, r, addr, target, cred)
		return
	}
	h.proxyHTTP(w, r, addr, target)
}

// authenticate resolves the caller per the session-then-bearer
// protocol. freshBearer reports that a bearer was verified on this
// request (a session cookie should be issued); fromQuery that it
// arrived in the query string.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (cred credential, freshBearer, fromQuery bool, err error) {
	if c, cerr := r.Cookie(h.cookieName); cerr == nil && c.Value != "" {
		if claims, ok := h.sessions.Verify(c.Value); ok {
			revoked, rerr := h.revocations.IsRevoked(ctx, claims.AccountID, claims.IssuedAt)
			if rerr != nil {
				return credential{}, false, false, rerr
			}
			if revoked {
				h.clearSession(w)
				return credential{}, false, false, &core.AuthError{Reason: "session revoked"}
			}
			return credential{accountID: claims.AccountID, issuedAt: claims.IssuedAt}, false, false, nil
		}
		// An unverifiable session cookie falls through to bearer
		// handling; it will be replaced if the bearer checks out.
	}

	token, fromQuery := middleware.BearerFromRequest(r)
	if token == "" {
		return credential{}, false, false, &core.AuthError{Reason: "missing credentials"}
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return credential{}, false, fromQuery, err
	}
	iat := claims.IssuedAt.Unix()
	revoked, rerr := h.revocations.IsRevoked(ctx, claims.AccountID, iat)
	if rerr != nil {
		return credential{}, false, fromQuery, rerr
	}
	if revoked {
		h.clearSession(w)
		return credential{}, false, fromQuery, &core.AuthError{Reason: "credentials revoked"}
	}
	return credential{accountID: claims.AccountID, issuedAt: iat}, true, fromQuery, nil
}

func (h *Handler) cookiePath() string {
	if h.basePath == "" || h.basePath == "/" {
		return "/"
	}
	return strings.TrimSuffix(h.basePath, "/") + "/"
}

func (h *Handler) issueSession(w http.ResponseWriter, r *http.Request, accountID string) {
	token, err := h.sessions.Issue(accountID)
	if err != nil {
		h.log.Error("issue session cookie", "err", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    token,
		Path:     h.cookiePath(),
		MaxAge:   int(h.sessions.TTL() / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.secure || r.TLS != nil,
	})
}

func (h *Handler) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     h.cookiePath(),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) proxyHTTP(w http.ResponseWriter, r *http.Request, addr string, target Target) {
	h.metrics.ProxyRequest(r.Context(), "ok")

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = addr
			pr.Out.URL.Path = target.Rest
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		Transport:     h.transport,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.Warn("backend error", "project_id", target.ProjectID,
				"port", target.Port, "err", err)
			h.metrics.ProxyRequest(r.Context(), "bad_gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

// proxyWebSocket relays the upgrade byte-for-byte. The pair of
// connections is registered so the revocation sweep can force-close
// sockets whose credentials died after the upgrade.
func (h *Handler) proxyWebSocket(w http.ResponseWriter, r *http.Request, addr string, target Target, cred credential) {
	ctx := r.Context()

	hj, ok := w.(http.Hijacker)
	if !ok {
		h.metrics.ProxyRequest(ctx, "error")
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return
	}

	backend, err := h.dial(ctx, "tcp", addr)
	if err != nil {
		h.metrics.ProxyRequest(ctx, "bad_gateway")
		http.Error(w, "project server unavailable", http.StatusBadGateway)
		return
	}

	out := r.Clone(context.WithoutCancel(ctx))
	out.URL.Scheme = "http"
	out.URL.Host = addr
	out.URL.Path = target.Rest
	out.URL.RawPath = ""
	out.RequestURI = ""
	if err := out.Write(backend); err != nil {
		backend.Close()
		h.metrics.ProxyRequest(ctx, "bad_gateway")
		http.Error(w, "project server unavailable", http.StatusBadGateway)
		return
	}

	client, buf, err := hj.Hijack()
	if err != nil {
		backend.Close()
		h.metrics.ProxyRequest(ctx, "error")
		http.Error(w, "websocket upgrade failed", http.StatusInternalServerError)
		return
	}

	h.metrics.ProxyRequest(ctx, "ok")
	h.metrics.ProxyWebsocket(ctx, 1)
	s := h.sockets.add(client, backend, cred)
	h.log.Debug("websocket opened", "project_id", target.ProjectID,
		"port", target.Port, "account_id", cred.accountID)

	go h.relay(s, buf)
}

// LiveWebSockets reports the number of tracked proxied sockets.
func (h *Handler) LiveWebSockets() int { return h.sockets.len() }

// StartRevocationSweep re-checks every tracked websocket against the
// revocation table and force-closes the dead ones. Blocks until ctx is
// cancelled.
func (h *Handler) StartRevocationSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepRevoked(ctx)
		}
	}
}

func (h *Handler) sweepRevoked(ctx context.Context) {
	for _, s := range h.sockets.snapshot() {
		revoked, err := h.revocations.IsRevoked(ctx, s.account, s.issuedAt)
		if err != nil || !revoked {
			continue
		}
		h.log.Info("closing revoked websocket", "account_id", s.account)
		s.close()
	}
}
