package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/core"
)

const (
	testWorkspaceID = "22222222-2222-4222-8222-222222222222"
	testAccountID   = "55555555-5555-4555-8555-555555555555"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type contextCall struct {
	workspaceID string
	service     string
	method      string
	payload     []byte
}

// fakeContext records service calls and answers from canned data.
type fakeContext struct {
	mu     sync.Mutex
	calls  []contextCall
	closed int

	data  json.RawMessage
	err   error
	block bool
}

func (f *fakeContext) Call(ctx context.Context, workspaceID, service, method string, out any, args ...any) error {
	var payload []byte
	if len(args) > 0 {
		if raw, ok := args[0].(json.RawMessage); ok {
			payload = append([]byte(nil), raw...)
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, contextCall{workspaceID: workspaceID, service: service, method: method, payload: payload})
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if raw, ok := out.(*json.RawMessage); ok && f.data != nil {
		*raw = append(json.RawMessage(nil), f.data...)
	}
	return nil
}

func (f *fakeContext) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeContext) callList() []contextCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contextCall(nil), f.calls...)
}

func (f *fakeContext) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out one context per open and records what it was
// asked for.
type fakeFactory struct {
	mu       sync.Mutex
	opens    []string
	contexts []*fakeContext

	delay time.Duration
	next  func() *fakeContext
}

func (f *fakeFactory) open(ctx context.Context, profileName string, auth cli.AuthProfile) (BusContext, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	bc := &fakeContext{}
	if f.next != nil {
		bc = f.next()
	}
	f.mu.Lock()
	f.opens = append(f.opens, auth.ContextKey(profileName))
	f.contexts = append(f.contexts, bc)
	f.mu.Unlock()
	return bc, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeFactory) context(i int) *fakeContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[i]
}

type harness struct {
	socket   string
	daemon   *Daemon
	factory  *fakeFactory
	client   *Client
	serveErr chan error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		socket:   filepath.Join(t.TempDir(), "d.sock"),
		factory:  &fakeFactory{},
		serveErr: make(chan error, 1),
	}
	opts = append([]Option{WithDaemonLogger(discardLogger())}, opts...)
	d, err := New(h.factory.open, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.daemon = d

	ln, err := Listen(h.socket)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.serveErr <- d.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.serveErr:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	h.client = NewClient(
		WithSocket(h.socket),
		WithStarter(nil),
		WithClientLogger(discardLogger()),
	)
	return h
}

func testGlobals() *Globals {
	return &Globals{
		Profile:   "work",
		API:       "http://localhost:9100",
		AccountID: testAccountID,
		APIKey:    "sk-1",
		Workspace: testWorkspaceID,
	}
}

func (h *harness) do(t *testing.T, req Request) Response {
	t.Helper()
	resp, err := h.client.Do(testCtx(t), req)
	if err != nil {
		t.Fatalf("Do(%s): %v", req.Action, err)
	}
	return resp
}

func TestDaemonPing(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, Request{Action: ActionPing})
	if !resp.OK {
		t.Fatalf("ping not ok: %+v", resp)
	}
	var data pingData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("ping data: %v", err)
	}
	if data.PID != os.Getpid() {
		t.Fatalf("ping pid = %d, want %d", data.PID, os.Getpid())
	}
	if data.Contexts != 0 {
		t.Fatalf("fresh daemon reports %d contexts", data.Contexts)
	}
}

func TestDaemonFileOpRoundTrip(t *testing.T) {
	h := newHarness(t)
	listing := json.RawMessage(`{"path":".","entries":[{"name":"a.txt"}]}`)
	h.factory.next = func() *fakeContext { return &fakeContext{data: listing} }

	resp := h.do(t, Request{
		Action:  FileAction("list"),
		Globals: testGlobals(),
		Payload: json.RawMessage(`{"path":"."}`),
	})
	if !resp.OK {
		t.Fatalf("file op failed: %+v", resp.Error)
	}
	if !bytes.Equal(resp.Data, listing) {
		t.Fatalf("data = %s", resp.Data)
	}
	if resp.Meta == nil || resp.Meta.API != "http://localhost:9100" || resp.Meta.AccountID != testAccountID {
		t.Fatalf("meta = %+v", resp.Meta)
	}

	calls := h.factory.context(0).callList()
	if len(calls) != 1 {
		t.Fatalf("context saw %d calls", len(calls))
	}
	if calls[0].workspaceID != testWorkspaceID || calls[0].service != "fs" || calls[0].method != "list" {
		t.Fatalf("call = %+v", calls[0])
	}
	if !bytes.Equal(calls[0].payload, []byte(`{"path":"."}`)) {
		t.Fatalf("payload = %s", calls[0].payload)
	}
}

func TestDaemonSharesContextsByAuthHash(t *testing.T) {
	h := newHarness(t)

	h.do(t, Request{Action: FileAction("list"), Globals: testGlobals()})
	h.do(t, Request{Action: FileAction("cat"), Globals: testGlobals()})
	if got := h.factory.openCount(); got != 1 {
		t.Fatalf("same auth opened %d contexts, want 1", got)
	}

	other := testGlobals()
	other.APIKey = "sk-2"
	h.do(t, Request{Action: FileAction("list"), Globals: other})
	if got := h.factory.openCount(); got != 2 {
		t.Fatalf("changed api key reused a context: %d opens", got)
	}
	if got := h.daemon.ContextCount(); got != 2 {
		t.Fatalf("pooled contexts = %d, want 2", got)
	}
}

func TestDaemonConcurrentCallersShareOneContext(t *testing.T) {
	h := newHarness(t)
	h.factory.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.client.Do(testCtx(t), Request{Action: FileAction("list"), Globals: testGlobals()})
			if err == nil && !resp.OK {
				err = &core.ServiceError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent call: %v", err)
		}
	}
	if got := h.factory.openCount(); got != 1 {
		t.Fatalf("concurrent callers opened %d contexts, want 1", got)
	}
}

func TestDaemonResolvesWorkspaceFromCWD(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := cli.WriteWorkspaceContext(root, cli.WorkspaceContext{WorkspaceID: testWorkspaceID}); err != nil {
		t.Fatal(err)
	}

	globals := testGlobals()
	globals.Workspace = ""
	resp := h.do(t, Request{Action: FileAction("list"), CWD: nested, Globals: globals})
	if !resp.OK {
		t.Fatalf("file op failed: %+v", resp.Error)
	}
	calls := h.factory.context(0).callList()
	if len(calls) != 1 || calls[0].workspaceID != testWorkspaceID {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestDaemonMissingWorkspaceContext(t *testing.T) {
	h := newHarness(t)

	globals := testGlobals()
	globals.Workspace = ""
	resp := h.do(t, Request{Action: FileAction("list"), CWD: t.TempDir(), Globals: globals})
	if resp.OK || resp.Error == nil {
		t.Fatalf("resolved a workspace with no context file: %+v", resp)
	}
	if resp.Error.Code != core.CodeInvalid {
		t.Fatalf("error code = %q", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, cli.ContextFile) {
		t.Fatalf("message %q does not name the context file", resp.Error.Message)
	}
	if h.factory.openCount() != 0 {
		t.Fatal("opened a bus context for an unresolvable request")
	}
}

func TestDaemonUnknownAction(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, Request{Action: "workspace.exec"})
	if resp.OK || resp.Error == nil || resp.Error.Code != core.CodeInvalid {
		t.Fatalf("unknown action answered %+v", resp)
	}
	if !strings.Contains(resp.Error.Message, "workspace.exec") {
		t.Fatalf("message %q does not name the action", resp.Error.Message)
	}
}

func TestDaemonErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	h.factory.next = func() *fakeContext {
		return &fakeContext{err: &core.ErrNotFound{Resource: "path", ID: "gone.txt"}}
	}

	resp := h.do(t, Request{Action: FileAction("cat"), Globals: testGlobals()})
	if resp.OK || resp.Error == nil {
		t.Fatalf("error did not surface: %+v", resp)
	}
	if resp.Error.Code != core.CodeNotFound {
		t.Fatalf("error code = %q", resp.Error.Code)
	}
	if resp.Meta == nil || resp.Meta.API == "" {
		t.Fatalf("error response lost meta: %+v", resp.Meta)
	}
}

func TestDaemonTimeoutSurfacesBudget(t *testing.T) {
	h := newHarness(t)
	h.factory.next = func() *fakeContext { return &fakeContext{block: true} }

	globals := testGlobals()
	globals.TimeoutMS = 50
	resp := h.do(t, Request{Action: FileAction("rg"), Globals: globals})
	if resp.OK || resp.Error == nil {
		t.Fatalf("blocked call did not time out: %+v", resp)
	}
	if resp.Error.Code != core.CodeTimeout {
		t.Fatalf("error code = %q", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "timed out after") {
		t.Fatalf("message %q does not carry the budget", resp.Error.Message)
	}
}

func TestDaemonShutdownClosesContexts(t *testing.T) {
	h := newHarness(t)
	h.do(t, Request{Action: FileAction("list"), Globals: testGlobals()})
	bc := h.factory.context(0)

	resp := h.do(t, Request{Action: ActionShutdown})
	if !resp.OK {
		t.Fatalf("shutdown refused: %+v", resp)
	}
	select {
	case err := <-h.serveErr:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
		h.serveErr <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	if bc.closeCount() != 1 {
		t.Fatalf("context closed %d times, want 1", bc.closeCount())
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "d.sock")
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(socket)
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	defer ln.Close()

	if _, err := Listen(socket); err == nil {
		t.Fatal("second Listen succeeded while the first is serving")
	}
}

func TestWritePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	if err := WritePID(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid file holds %q", data)
	}
}
