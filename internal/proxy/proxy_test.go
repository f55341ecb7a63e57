package proxy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/middleware"
)

const (
	testHostID    = "5f0f2d5a-9c4e-4f5b-8d44-0a41277b7f5c"
	testAccountID = "8dc56001-0f27-4a09-a4c6-42d8e0cdb892"
	testProjectID = "1b9f8c64-68a4-4df1-a567-4be1b77c71b4"
)

type fakeRevocations struct {
	mu      sync.Mutex
	cutoffs map[string]int64
}

func (f *fakeRevocations) IsRevoked(_ context.Context, accountID string, iatSeconds int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff, ok := f.cutoffs[accountID]
	if !ok {
		return false, nil
	}
	return iatSeconds*1000 <= cutoff, nil
}

func (f *fakeRevocations) revoke(accountID string, before time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs[accountID] = before.UnixMilli()
}

type fakeMembers struct {
	mu    sync.Mutex
	allow map[string]bool
}

func (f *fakeMembers) Collaborator(_ context.Context, accountID, projectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allow[accountID+"/"+projectID], nil
}

type fixture struct {
	handler *Handler
	priv    ed25519.PrivateKey
	rev     *fakeRevocations
	members *fakeMembers
	front   *httptest.Server
	backend *httptest.Server
}

func newFixture(t *testing.T, backendHandler http.Handler, opts ...HandlerOption) *fixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier := core.NewTokenVerifier(testHostID)
	verifier.SetKey(pub)

	sessions, err := core.NewSessionCodec([]byte("0123456789abcdef0123456789abcdef"), 0)
	if err != nil {
		t.Fatalf("NewSessionCodec: %v", err)
	}

	rev := &fakeRevocations{cutoffs: make(map[string]int64)}
	members := &fakeMembers{allow: map[string]bool{testAccountID + "/" + testProjectID: true}}

	backend := httptest.NewServer(backendHandler)
	t.Cleanup(backend.Close)
	addr := backend.Listener.Addr().String()
	resolver := ResolverFunc(func(context.Context, string, int) (string, error) {
		return addr, nil
	})

	h := NewHandler(sessions, verifier, rev, members, resolver, opts...)
	front := httptest.NewServer(h)
	t.Cleanup(front.Close)

	return &fixture{handler: h, priv: priv, rev: rev, members: members, front: front, backend: backend}
}

func (f *fixture) bearer(t *testing.T, issuedAt time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":        testAccountID,
		"aud":        testHostID,
		"act":        "account",
		"iat":        issuedAt.Unix(),
		"exp":        issuedAt.Add(5 * time.Minute).Unix(),
		"project_id": testProjectID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func proxyPath(rest string) string {
	return "/" + testProjectID + "/proxy/80" + rest
}

// recordingBackend captures what the proxied request looked like on
// the project-server side.
type recordingBackend struct {
	mu    sync.Mutex
	path  string
	query url.Values
}

func (b *recordingBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.path = r.URL.Path
	b.query = r.URL.Query()
	b.mu.Unlock()
	fmt.Fprint(w, "backend says hi")
}

func (b *recordingBackend) saw() (string, url.Values) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path, b.query
}

func TestHandler_BearerForwardsAndMintsSession(t *testing.T) {
	backend := &recordingBackend{}
	f := newFixture(t, backend)

	req, _ := http.NewRequest("GET", f.front.URL+proxyPath("/some/page?x=1"), nil)
	req.Header.Set("Authorization", "Bearer "+f.bearer(t, time.Now()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "backend says hi" {
		t.Errorf("body = %q", body)
	}

	path, query := backend.saw()
	if path != "/some/page" {
		t.Errorf("backend path = %q, want /some/page", path)
	}
	if query.Get("x") != "1" {
		t.Errorf("backend query = %v, want x=1 preserved", query)
	}

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookieBase {
			session = c
		}
	}
	if session == nil {
		t.Fatal("expected a session cookie on a fresh bearer")
	}
	if !session.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if session.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", session.SameSite)
	}
	if session.MaxAge <= 0 {
		t.Errorf("MaxAge = %d, want positive", session.MaxAge)
	}
	if session.Secure {
		t.Error("plain-HTTP fixture must not mark the cookie Secure")
	}
}

func TestHandler_AuthFailures(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]func(*http.Request){
		"no credentials": func(*http.Request) {},
		"garbage bearer": func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer not-a-jwt")
		},
		"expired bearer": func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+f.bearer(t, time.Now().Add(-time.Hour)))
		},
	}
	for name, decorate := range cases {
		req, _ := http.NewRequest("GET", f.front.URL+proxyPath("/"), nil)
		decorate(req)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: request: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, resp.StatusCode)
		}
	}
}

func TestHandler_NonCollaboratorForbidden(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	f.members.mu.Lock()
	f.members.allow = map[string]bool{}
	f.members.mu.Unlock()

	req, _ := http.NewRequest("GET", f.front.URL+proxyPath("/"), nil)
	req.Header.Set("Authorization", "Bearer "+f.bearer(t, time.Now()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandler_RevokedBearerClearsSession(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	issued := time.Now().Add(-time.Minute)
	f.rev.revoke(testAccountID, time.Now()) // cutoff after issue

	req, _ := http.NewRequest("GET", f.front.URL+proxyPath("/"), nil)
	req.Header.Set("Authorization", "Bearer "+f.bearer(t, issued))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	cleared := false
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookieBase && c.Value == "" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expected the session cookie to be cleared on revocation")
	}
}

func TestHandler_SessionCookieRoundTrip(t *testing.T) {
	var requests atomic.Int32
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	// First request authenticates with a bearer and receives a cookie.
	req, _ := http.NewRequest("GET", f.front.URL+proxyPath("/"), nil)
	req.Header.Set("Authorization", "Bearer "+f.bearer(t, time.Now()))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("bearer request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d", resp.StatusCode)
	}

	// Second request rides the session cookie alone.
	req2, _ := http.NewRequest("GET", f.front.URL+proxyPath("/again"), nil)
	resp2, err := client.Do(req2)
	if err != nil {
		t.Fatalf("session request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d, want 200", resp2.StatusCode)
	}
	for _, c := range resp2.Cookies() {
		if c.Name == middleware.SessionCookieBase {
			t.Error("session request should not mint another cookie")
		}
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("backend saw %d requests, want 2", got)
	}
}

func TestHandler_QueryTokenRedirectsGET(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	target := f.front.URL + proxyPath("/page?keep=1&"+middleware.AuthQueryParam+"="+url.QueryEscape(f.bearer(t, time.Now())))
	resp, err := client.Get(target)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, err := resp.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.Query().Get(middleware.AuthQueryParam) != "" {
		t.Error("redirect kept the token in the query string")
	}
	if loc.Query().Get("keep") != "1" {
		t.Error("redirect dropped unrelated query parameters")
	}
	if loc.Path != proxyPath("/page") {
		t.Errorf("redirect path = %q", loc.Path)
	}
	// The 302 must carry the session so the retry authenticates.
	minted := false
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookieBase && c.Value != "" {
			minted = true
		}
	}
	if !minted {
		t.Error("expected a session cookie on the redirect")
	}
}

func TestHandler_QueryTokenStrippedInPlaceForPOST(t *testing.T) {
	backend := &recordingBackend{}
	f := newFixture(t, backend)

	target := f.front.URL + proxyPath("/submit?keep=1&"+middleware.AuthQueryParam+"="+url.QueryEscape(f.bearer(t, time.Now())))
	resp, err := http.Post(target, "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	_, query := backend.saw()
	if query.Get(middleware.AuthQueryParam) != "" {
		t.Error("token leaked to the backend query string")
	}
	if query.Get("keep") != "1" {
		t.Error("unrelated query parameter was dropped")
	}
}

func TestHandler_BackendDownIsBadGateway(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	// Point the resolver at a port nothing listens on.
	f.handler.targets = ResolverFunc(func(context.Context, string, int) (string, error) {
		return "127.0.0.1:1", nil
	})

	req, _ := http.NewRequest("GET", f.front.URL+proxyPath("/"), nil)
	req.Header.Set("Authorization", "Bearer "+f.bearer(t, time.Now()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestHandler_UnroutablePathIs404(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/", "/favicon.ico", "/" + testProjectID + "/files/1"} {
		resp, err := http.Get(f.front.URL + path)
		if err != nil {
			t.Fatalf("request %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		name     string
		basePath string
		path     string
		want     Target
		ok       bool
	}{
		{
			name: "bare port",
			path: "/" + testProjectID + "/proxy/8080",
			want: Target{ProjectID: testProjectID, Port: 8080, Rest: "/"},
			ok:   true,
		},
		{
			name: "nested rest",
			path: "/" + testProjectID + "/proxy/443/a/b/c",
			want: Target{ProjectID: testProjectID, Port: 443, Rest: "/a/b/c"},
			ok:   true,
		},
		{
			name:     "under base path",
			basePath: "/hosts/h1",
			path:     "/hosts/h1/" + testProjectID + "/proxy/80/x",
			want:     Target{ProjectID: testProjectID, Port: 80, Rest: "/x"},
			ok:       true,
		},
		{name: "wrong base path", basePath: "/hosts/h1", path: "/other/" + testProjectID + "/proxy/80/x"},
		{name: "not a uuid", path: "/not-a-uuid/proxy/80/x"},
		{name: "missing proxy segment", path: "/" + testProjectID + "/files/80/x"},
		{name: "port zero", path: "/" + testProjectID + "/proxy/0/x"},
		{name: "port too big", path: "/" + testProjectID + "/proxy/70000/x"},
		{name: "port not numeric", path: "/" + testProjectID + "/proxy/http/x"},
		{name: "too short", path: "/" + testProjectID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseTarget(tc.basePath, tc.path)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
