package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sagemathinc/project-host/internal/core"
)

// startableDaemon wires a starter func to an in-process daemon so the
// auto-start protocol can run without forking.
type startableDaemon struct {
	socket  string
	factory *fakeFactory
	starts  atomic.Int32
	fail    bool
}

func newStartableDaemon(t *testing.T) *startableDaemon {
	t.Helper()
	return &startableDaemon{
		socket:  filepath.Join(t.TempDir(), "d.sock"),
		factory: &fakeFactory{},
	}
}

func (s *startableDaemon) starter(t *testing.T) StartFunc {
	return func() error {
		s.starts.Add(1)
		if s.fail {
			return nil // spawned but never comes up
		}
		d, err := New(s.factory.open, WithDaemonLogger(discardLogger()))
		if err != nil {
			return err
		}
		ln, err := Listen(s.socket)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(func() {
			cancel()
			d.Stop()
		})
		go func() {
			if err := d.Serve(ctx, ln); err != nil {
				t.Errorf("Serve: %v", err)
			}
		}()
		return nil
	}
}

func (s *startableDaemon) client(t *testing.T, opts ...ClientOption) *Client {
	base := []ClientOption{
		WithSocket(s.socket),
		WithStarter(s.starter(t)),
		WithConnectTimeout(time.Second),
		WithClientLogger(discardLogger()),
	}
	return NewClient(append(base, opts...)...)
}

func TestClientAutoStartsDaemon(t *testing.T) {
	s := newStartableDaemon(t)
	c := s.client(t)

	resp, err := c.Do(testCtx(t), Request{Action: ActionPing})
	if err != nil {
		t.Fatalf("Do with no daemon: %v", err)
	}
	if !resp.OK {
		t.Fatalf("ping after auto-start: %+v", resp)
	}
	if got := s.starts.Load(); got != 1 {
		t.Fatalf("daemon started %d times, want 1", got)
	}

	// The second call reaches the running daemon without another start.
	if _, err := c.Do(testCtx(t), Request{Action: ActionPing}); err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if got := s.starts.Load(); got != 1 {
		t.Fatalf("running daemon restarted: %d starts", got)
	}
}

func TestClientRetriesOriginalRequestOnce(t *testing.T) {
	s := newStartableDaemon(t)
	listing := json.RawMessage(`{"path":".","entries":[]}`)
	s.factory.next = func() *fakeContext { return &fakeContext{data: listing} }
	c := s.client(t)

	resp, err := c.Do(testCtx(t), Request{
		Action:  FileAction("list"),
		Globals: testGlobals(),
		Payload: json.RawMessage(`{"path":"."}`),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.OK {
		t.Fatalf("retried request failed: %+v", resp.Error)
	}
	if got := s.starts.Load(); got != 1 {
		t.Fatalf("starts = %d, want 1", got)
	}
	// The original request went through exactly once.
	if calls := s.factory.context(0).callList(); len(calls) != 1 || calls[0].method != "list" {
		t.Fatalf("daemon saw calls %+v", calls)
	}
}

func TestClientServiceErrorsDoNotTriggerStart(t *testing.T) {
	s := newStartableDaemon(t)
	s.factory.next = func() *fakeContext {
		return &fakeContext{err: &core.AuthError{Reason: "token expired"}}
	}
	c := s.client(t)

	// First call auto-starts; the service-level auth error must come
	// back as a response, not as another start.
	resp, err := c.Do(testCtx(t), Request{Action: FileAction("cat"), Globals: testGlobals()})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != core.CodeAuth {
		t.Fatalf("auth error lost: %+v", resp)
	}

	if resp, err = c.Do(testCtx(t), Request{Action: FileAction("cat"), Globals: testGlobals()}); err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if resp.OK {
		t.Fatal("second call unexpectedly succeeded")
	}
	if got := s.starts.Load(); got != 1 {
		t.Fatalf("service errors triggered %d starts, want 1", got)
	}
}

func TestClientGivesUpWhenDaemonNeverAnswers(t *testing.T) {
	s := newStartableDaemon(t)
	s.fail = true
	c := s.client(t, WithStartDeadline(300*time.Millisecond))

	_, err := c.Do(testCtx(t), Request{Action: ActionPing})
	if err == nil {
		t.Fatal("Do succeeded with a daemon that never came up")
	}
	if got := s.starts.Load(); got != 1 {
		t.Fatalf("starts = %d, want exactly 1", got)
	}
}

func TestClientWithoutStarterSurfacesTransportError(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "none.sock")
	c := NewClient(WithSocket(socket), WithStarter(nil), WithClientLogger(discardLogger()))

	_, err := c.Do(testCtx(t), Request{Action: ActionPing})
	if err == nil {
		t.Fatal("Do succeeded with no daemon and no starter")
	}
	if !transportError(err) {
		t.Fatalf("err %v not classified as transport", err)
	}
}

func TestClientShutdownWithoutDaemonIsFine(t *testing.T) {
	c := NewClient(
		WithSocket(filepath.Join(t.TempDir(), "none.sock")),
		WithStarter(nil),
		WithClientLogger(discardLogger()),
	)
	if err := c.Shutdown(testCtx(t)); err != nil {
		t.Fatalf("Shutdown with no daemon: %v", err)
	}
}

func TestTransportErrorClassification(t *testing.T) {
	_, dialErr := net.DialTimeout("unix", filepath.Join(t.TempDir(), "none.sock"), time.Second)
	if dialErr == nil {
		t.Fatal("dial to a missing socket succeeded")
	}

	retryable := []error{
		dialErr,
		syscall.ECONNREFUSED,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
		io.EOF,
		io.ErrUnexpectedEOF,
		fmt.Errorf("wrapped: %w", syscall.ECONNREFUSED),
	}
	for _, err := range retryable {
		if !transportError(err) {
			t.Errorf("transportError(%v) = false, want true", err)
		}
	}

	terminal := []error{
		nil,
		errors.New("boom"),
		&core.ErrNotFound{Resource: "path", ID: "x"},
		&core.AuthError{Reason: "expired"},
	}
	for _, err := range terminal {
		if transportError(err) {
			t.Errorf("transportError(%v) = true, want false", err)
		}
	}
}
