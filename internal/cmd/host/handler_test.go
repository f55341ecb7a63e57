package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/master"
	"github.com/sagemathinc/project-host/internal/metrics"
	"github.com/sagemathinc/project-host/internal/middleware"
	"github.com/sagemathinc/project-host/internal/proxy"
)

const (
	handlerHostID    = "0b7f3c1e-6f7a-4c14-9d7e-2f60a1c9b8d4"
	handlerProjectID = "9e4b3a72-15cd-4e8a-b1f0-6c3d2a98e751"
	handlerPassword  = "local-conat-password"
)

type staticProjects struct{}

func (staticProjects) GetProject(_ context.Context, projectID string) (*core.ProjectRow, error) {
	return &core.ProjectRow{ProjectID: projectID}, nil
}

func (staticProjects) SecretToken(context.Context, string) (string, error) {
	return "project-secret", nil
}

type noRevocations struct{}

func (noRevocations) IsRevoked(context.Context, string, int64) (bool, error) {
	return false, nil
}

type noMembers struct{}

func (noMembers) Collaborator(context.Context, string, string) (bool, error) {
	return false, nil
}

// newTestHandler assembles a Handler without going through Wire. The
// proxy has no reachable backend; routing tests only exercise its
// rejection paths.
func newTestHandler(t *testing.T, basePath string) *Handler {
	t.Helper()

	m, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	sessions, err := core.NewSessionCodec([]byte("0123456789abcdef0123456789abcdef"), 0)
	if err != nil {
		t.Fatalf("NewSessionCodec: %v", err)
	}
	verifier := core.NewTokenVerifier(handlerHostID)
	resolver := proxy.ResolverFunc(func(context.Context, string, int) (string, error) {
		return "", errors.New("no backend in this test")
	})
	prox := proxy.NewHandler(sessions, verifier, noRevocations{}, noMembers{}, resolver,
		proxy.WithProxyMetrics(m))

	return &Handler{
		bus:      &conat.Server{},
		busAuth:  middleware.NewBusAuth(handlerPassword, verifier, staticProjects{}),
		prox:     prox,
		metrics:  m,
		link:     &master.Link{},
		hostID:   handlerHostID,
		version:  "1.2.3",
		basePath: basePath,
	}
}

func TestHandler_BusPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		basePath string
		want     string
	}{
		{"", "/conat"},
		{"/", "/conat"},
		{"cocalc", "/cocalc/conat"},
		{"/cocalc", "/cocalc/conat"},
		{"/cocalc/", "/cocalc/conat"},
		{"/a/b", "/a/b/conat"},
	}
	for _, tc := range cases {
		h := &Handler{basePath: tc.basePath}
		if got := h.busPath(); got != tc.want {
			t.Errorf("busPath(%q) = %q, want %q", tc.basePath, got, tc.want)
		}
	}
}

func TestHandler_MountRouting(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	if err := newTestHandler(t, "").Mount(mux); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cases := []struct {
		name       string
		path       string
		cookie     *http.Cookie
		wantStatus int
	}{
		{"health", "/healthz", nil, http.StatusOK},
		{"metrics", "/metrics", nil, http.StatusOK},
		{"bus without credentials", "/conat", nil, http.StatusUnauthorized},
		{
			"bus with wrong system cookie",
			"/conat",
			&http.Cookie{Name: middleware.SystemCookieName, Value: "wrong"},
			http.StatusUnauthorized,
		},
		{"workspace path without session", "/" + handlerProjectID + "/proxy/8080/", nil, http.StatusUnauthorized},
		{"non-workspace path", "/definitely/not/a/workspace", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req, err := http.NewRequest(http.MethodGet, srv.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			if tc.cookie != nil {
				req.AddCookie(tc.cookie)
			}
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("GET %s: %v", tc.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("GET %s = %d, want %d", tc.path, resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestHandler_MountUnderBasePath(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	if err := newTestHandler(t, "/cocalc").Mount(mux); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// The bus endpoint moves under the base path; an unauthenticated
	// upgrade is rejected there rather than falling into the proxy.
	resp, err := srv.Client().Get(srv.URL + "/cocalc/conat")
	if err != nil {
		t.Fatalf("GET /cocalc/conat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /cocalc/conat = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	resp, err = srv.Client().Get(srv.URL + "/conat")
	if err != nil {
		t.Fatalf("GET /conat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /conat = %d, want %d (proxy catch-all)", resp.StatusCode, http.StatusNotFound)
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	newTestHandler(t, "").health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var body struct {
		Status          string `json:"status"`
		HostID          string `json:"host_id"`
		Version         string `json:"version"`
		MasterConnected bool   `json:"master_connected"`
		LiveConnections int    `json:"live_connections"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.HostID != handlerHostID {
		t.Errorf("host_id = %q, want %q", body.HostID, handlerHostID)
	}
	if body.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", body.Version)
	}
	if body.MasterConnected {
		t.Error("master_connected = true for a link that never connected")
	}
	if body.LiveConnections != 0 {
		t.Errorf("live_connections = %d, want 0", body.LiveConnections)
	}
}
