package daemon

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/master"
	"github.com/sagemathinc/project-host/internal/middleware"
)

const testBusHostID = "11111111-1111-4111-8111-111111111111"

type staticCollaborators map[string]bool

func (s staticCollaborators) IsCollaborator(_ context.Context, accountID, projectID string) (bool, error) {
	return s[accountID+"/"+projectID], nil
}

// busHarness runs a real websocket bus with sign-in, standing in for
// a co-located master and host.
type busHarness struct {
	url  string // http URL, as a profile would carry it
	srv  *conat.Server
	priv ed25519.PrivateKey

	locates atomic.Int32
	issues  atomic.Int32
}

func newBusHarness(t *testing.T) *busHarness {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	verifier := core.NewTokenVerifier(testBusHostID)
	verifier.SetKey(priv.Public().(ed25519.PublicKey))

	auth := core.NewAuthorizer(staticCollaborators{testAccountID + "/" + testWorkspaceID: true})
	srv := conat.NewServer(auth, conat.WithServerLogger(discardLogger()))
	t.Cleanup(srv.Close)

	busAuth := middleware.NewBusAuth("hunter2", verifier, nil)
	ts := httptest.NewServer(busAuth.Wrap(srv))
	t.Cleanup(ts.Close)

	return &busHarness{url: ts.URL, srv: srv, priv: priv}
}

func (b *busHarness) signToken(t *testing.T, accountID string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub":        accountID,
		"aud":        testBusHostID,
		"act":        "account",
		"iat":        now.Unix(),
		"exp":        now.Add(time.Minute).Unix(),
		"project_id": testWorkspaceID,
	}).SignedString(b.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// serveMaster registers the hub services the context consumes: the
// workspace locator, the token minter, and a file service.
func (b *busHarness) serveMaster(t *testing.T, ctx context.Context) {
	t.Helper()
	hub := b.srv.InProcess(core.Hub())
	t.Cleanup(func() { hub.Close() })

	hosts := conat.NewService(conat.HubHostsSubject).
		Handle("locateProjectHost", func(ctx context.Context, req *conat.Request) (any, error) {
			b.locates.Add(1)
			var in locateRequest
			if err := req.Bind(&in); err != nil {
				return nil, err
			}
			if in.ProjectID != testWorkspaceID {
				return nil, &core.ErrNotFound{Resource: "workspace", ID: in.ProjectID}
			}
			return hostLocation{HostID: testBusHostID, ConatURL: b.url}, nil
		}).
		Handle("issueProjectHostAuthToken", func(ctx context.Context, req *conat.Request) (any, error) {
			b.issues.Add(1)
			return master.RoutedToken{
				Token:     b.signToken(t, testAccountID),
				ExpiresAt: time.Now().Add(time.Minute),
			}, nil
		})
	if err := hub.Serve(ctx, hosts); err != nil {
		t.Fatalf("serve hosts api: %v", err)
	}

	fs := conat.NewService(conat.ProjectSubject(testWorkspaceID, "fs", "api")).
		Handle("list", func(ctx context.Context, req *conat.Request) (any, error) {
			return map[string]any{"path": ".", "entries": []string{"a.txt"}}, nil
		})
	if err := hub.Serve(ctx, fs); err != nil {
		t.Fatalf("serve fs api: %v", err)
	}
	if err := hub.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestMasterContextHubPath(t *testing.T) {
	b := newBusHarness(t)
	ctx := testCtx(t)
	b.serveMaster(t, ctx)

	bc, err := openMasterContext(ctx, cli.AuthProfile{
		API:         b.url,
		HubPassword: "hunter2",
	}, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("open hub context: %v", err)
	}
	defer bc.Close()

	var out struct {
		Path string `json:"path"`
	}
	if err := bc.Call(ctx, testWorkspaceID, "fs", "list", &out); err != nil {
		t.Fatalf("hub call: %v", err)
	}
	if out.Path != "." {
		t.Fatalf("listing = %+v", out)
	}
	// The co-located hub path addresses the project subject directly.
	if b.locates.Load() != 0 || b.issues.Load() != 0 {
		t.Fatalf("hub path routed: %d locates, %d issues", b.locates.Load(), b.issues.Load())
	}
}

func TestMasterContextRoutedAccountPath(t *testing.T) {
	b := newBusHarness(t)
	ctx := testCtx(t)
	b.serveMaster(t, ctx)

	// Stand in for the master bus, whose ACL lets accounts reach the
	// hub API; the host-side bus underneath still checks the routed
	// token and subject scope.
	mc := &masterContext{
		api:       b.url,
		accountID: testAccountID,
		master:    b.srv.InProcess(core.Hub()),
		locations: make(map[string]hostLocation),
		log:       discardLogger(),
	}
	pool, err := master.NewRoutedPool(mc.master, mc.dialRouted, master.WithPoolLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	mc.pool = pool
	defer mc.Close()

	var out struct {
		Entries []string `json:"entries"`
	}
	if err := mc.Call(ctx, testWorkspaceID, "fs", "list", &out); err != nil {
		t.Fatalf("routed call: %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0] != "a.txt" {
		t.Fatalf("listing = %+v", out)
	}
	if b.locates.Load() != 1 || b.issues.Load() != 1 {
		t.Fatalf("first call: %d locates, %d issues", b.locates.Load(), b.issues.Load())
	}

	// Location and connection are reused on the next call.
	if err := mc.Call(ctx, testWorkspaceID, "fs", "list", &out); err != nil {
		t.Fatalf("second routed call: %v", err)
	}
	if b.locates.Load() != 1 || b.issues.Load() != 1 {
		t.Fatalf("second call redid work: %d locates, %d issues", b.locates.Load(), b.issues.Load())
	}
}

func TestMasterContextUnknownWorkspace(t *testing.T) {
	b := newBusHarness(t)
	ctx := testCtx(t)
	b.serveMaster(t, ctx)

	mc := &masterContext{
		api:       b.url,
		accountID: testAccountID,
		master:    b.srv.InProcess(core.Hub()),
		locations: make(map[string]hostLocation),
		log:       discardLogger(),
	}
	pool, err := master.NewRoutedPool(mc.master, mc.dialRouted, master.WithPoolLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	mc.pool = pool
	defer mc.Close()

	err = mc.Call(ctx, "66666666-6666-4666-8666-666666666666", "fs", "list", nil)
	var notFound *core.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want not found from the locator", err)
	}
}

func TestOpenMasterContextRejectsBadProfiles(t *testing.T) {
	ctx := testCtx(t)
	cases := []struct {
		name string
		auth cli.AuthProfile
	}{
		{"no api", cli.AuthProfile{HubPassword: "pw"}},
		{"no credentials", cli.AuthProfile{API: "http://localhost:9"}},
		{"bearer without account", cli.AuthProfile{API: "http://localhost:9", Bearer: "tok"}},
		{"bad cookie shape", cli.AuthProfile{API: "http://localhost:9", AccountID: testAccountID, Cookie: "novalue"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := openMasterContext(ctx, tc.auth, time.Second, discardLogger())
			var invalid *core.ErrInvalidInput
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want invalid input", err)
			}
		})
	}
}

func TestDialCredentialsPrecedence(t *testing.T) {
	full := cli.AuthProfile{
		AccountID:   testAccountID,
		APIKey:      "key",
		Cookie:      "session=c",
		Bearer:      "bearer",
		HubPassword: "pw",
	}
	id, _, err := dialCredentials(full)
	if err != nil || id.Type != core.UserHub {
		t.Fatalf("hub password did not win: %v %v", id, err)
	}

	full.HubPassword = ""
	id, _, err = dialCredentials(full)
	if err != nil || id.Type != core.UserAccount || id.ID != testAccountID {
		t.Fatalf("bearer did not win: %v %v", id, err)
	}

	full.Bearer = ""
	if id, _, err = dialCredentials(full); err != nil || id.Type != core.UserAccount {
		t.Fatalf("api key rejected: %v %v", id, err)
	}

	full.APIKey = ""
	if id, _, err = dialCredentials(full); err != nil || id.Type != core.UserAccount {
		t.Fatalf("cookie rejected: %v %v", id, err)
	}
}

func TestBusWSURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://localhost:9100", "ws://localhost:9100/conat"},
		{"https://host.example.com/", "wss://host.example.com/conat"},
		{"localhost:9100", "ws://localhost:9100/conat"},
		{"https://host.example.com/base/", "wss://host.example.com/base/conat"},
	}
	for _, tc := range cases {
		got, err := busWSURL(tc.in)
		if err != nil {
			t.Errorf("busWSURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("busWSURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := busWSURL("ftp://x"); err == nil {
		t.Error("ftp scheme accepted")
	}
}
