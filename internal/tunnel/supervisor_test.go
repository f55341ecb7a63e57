package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

var testEndpoints = Endpoints{
	SSHDHost:       "tunnel.example.com",
	SSHDPort:       2222,
	SSHUser:        "tunnel",
	HTTPTunnelPort: 40001,
	SSHTunnelPort:  40002,
	RESTPort:       5000,
}

type fakeProc struct {
	mu      sync.Mutex
	exitc   chan error
	signals []os.Signal
}

func (p *fakeProc) Start() error { return nil }

func (p *fakeProc) Wait() error { return <-p.exitc }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.exit(errors.New("terminated"))
	return nil
}

func (p *fakeProc) exit(err error) {
	select {
	case p.exitc <- err:
	default:
	}
}

func (p *fakeProc) signalled(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.signals, sig)
}

type spawn struct {
	args   []string
	stderr io.Writer
	proc   *fakeProc
}

type fakeFactory struct {
	spawnc chan *spawn
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{spawnc: make(chan *spawn, 16)}
}

func (f *fakeFactory) factory(_ context.Context, args []string, stderr io.Writer) tunnelProcess {
	sp := &spawn{args: args, stderr: stderr, proc: &fakeProc{exitc: make(chan error, 1)}}
	f.spawnc <- sp
	return sp.proc
}

func (f *fakeFactory) next(t *testing.T) *spawn {
	t.Helper()
	select {
	case sp := <-f.spawnc:
		return sp
	case <-time.After(5 * time.Second):
		t.Fatal("no tunnel child spawned")
		return nil
	}
}

func (f *fakeFactory) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-f.spawnc:
		t.Fatal("unexpected tunnel child spawned")
	case <-time.After(within):
	}
}

func staticRegister(ep Endpoints) RegisterFunc {
	return func(context.Context) (Endpoints, error) { return ep, nil }
}

func newTestSupervisor(t *testing.T, register RegisterFunc, f *fakeFactory, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	base := []SupervisorOption{
		WithLocalPorts(8080, 22),
		WithCommandFactory(f.factory),
		WithTimings(time.Millisecond, time.Minute),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
	}
	s, err := NewSupervisor(register, &KeyPair{PrivatePath: "/secrets/tunnel-key"}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	return s
}

func startSupervisor(t *testing.T, s *Supervisor) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Start(ctx); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func TestSupervisor_SpawnsWithExpectedArgs(t *testing.T) {
	f := newFakeFactory()
	s := newTestSupervisor(t, staticRegister(testEndpoints), f)
	cancel := startSupervisor(t, s)
	defer cancel()

	sp := f.next(t)
	want := []string{
		"-i", "/secrets/tunnel-key",
		"-N", "-T",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-p", "2222",
		"-R", "0.0.0.0:40001:127.0.0.1:8080",
		"-R", "0.0.0.0:40002:127.0.0.1:22",
		"-L", "127.0.0.1:5000:127.0.0.1:5000",
		"tunnel@tunnel.example.com",
	}
	if !slices.Equal(sp.args, want) {
		t.Fatalf("ssh args = %q, want %q", sp.args, want)
	}

	cancel()
	if !sp.proc.signalled(syscall.SIGTERM) {
		t.Fatal("child was not sent SIGTERM on shutdown")
	}
}

func TestSupervisor_RESTLocalPortOverride(t *testing.T) {
	f := newFakeFactory()
	s := newTestSupervisor(t, staticRegister(testEndpoints), f, WithRESTLocalPort(9999))
	args := s.sshArgs(testEndpoints)
	if !slices.Contains(args, "127.0.0.1:9999:127.0.0.1:5000") {
		t.Fatalf("args %q missing overridden REST forward", args)
	}
}

func TestSupervisor_RestartsAfterExitAndReregisters(t *testing.T) {
	var registrations atomic.Int32
	register := func(context.Context) (Endpoints, error) {
		registrations.Add(1)
		return testEndpoints, nil
	}
	f := newFakeFactory()
	s := newTestSupervisor(t, register, f)
	cancel := startSupervisor(t, s)
	defer cancel()

	first := f.next(t)
	first.proc.exit(errors.New("connection reset"))

	second := f.next(t)
	if second == first {
		t.Fatal("expected a fresh child after exit")
	}
	if got := registrations.Load(); got < 2 {
		t.Fatalf("registrations = %d, want at least 2 (one per spawn)", got)
	}
}

func TestSupervisor_ForwardFailureRestartsOnceInWindow(t *testing.T) {
	f := newFakeFactory()
	s := newTestSupervisor(t, staticRegister(testEndpoints), f, WithTimings(time.Millisecond, time.Hour))
	cancel := startSupervisor(t, s)
	defer cancel()

	first := f.next(t)
	io.WriteString(first.stderr, "channel 3: open failed: connect failed: Connection refused\r\n")

	second := f.next(t)
	if !first.proc.signalled(syscall.SIGTERM) {
		t.Fatal("first child was not terminated after forward failure")
	}

	// Inside the debounce window a second detection is swallowed.
	io.WriteString(second.stderr, "connect_to 127.0.0.1 port 8080: failed.\n")
	f.none(t, 100*time.Millisecond)
	if second.proc.signalled(syscall.SIGTERM) {
		t.Fatal("debounced failure should not terminate the child")
	}
}

func TestSupervisor_RegistrationRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	register := func(context.Context) (Endpoints, error) {
		if calls.Add(1) < 3 {
			return Endpoints{}, errors.New("master unreachable")
		}
		return testEndpoints, nil
	}
	f := newFakeFactory()
	s := newTestSupervisor(t, register, f)
	cancel := startSupervisor(t, s)
	defer cancel()

	f.next(t)
	if got := calls.Load(); got != 3 {
		t.Fatalf("register calls = %d, want 3", got)
	}
}

func TestSupervisor_SpawnFailureRetries(t *testing.T) {
	var spawns atomic.Int32
	factory := func(context.Context, []string, io.Writer) tunnelProcess {
		spawns.Add(1)
		return &failingProc{}
	}
	s, err := NewSupervisor(staticRegister(testEndpoints), &KeyPair{PrivatePath: "k"},
		WithLocalPorts(8080, 22),
		WithCommandFactory(factory),
		WithTimings(time.Millisecond, time.Minute),
		WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	cancel := startSupervisor(t, s)
	defer cancel()

	deadline := time.Now().Add(5 * time.Second)
	for spawns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("spawns = %d, want at least 2 after spawn failure", spawns.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

type failingProc struct{}

func (failingProc) Start() error           { return errors.New("exec: not found") }
func (failingProc) Wait() error            { return errors.New("not started") }
func (failingProc) Signal(os.Signal) error { return nil }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestSupervisor_Validation(t *testing.T) {
	keys := &KeyPair{PrivatePath: "k"}
	register := staticRegister(testEndpoints)
	tests := []struct {
		name string
		fn   func() (*Supervisor, error)
	}{
		{"nil register", func() (*Supervisor, error) {
			return NewSupervisor(nil, keys, WithLocalPorts(1, 2))
		}},
		{"nil keys", func() (*Supervisor, error) {
			return NewSupervisor(register, nil, WithLocalPorts(1, 2))
		}},
		{"missing local ports", func() (*Supervisor, error) {
			return NewSupervisor(register, keys)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStderrScanner_PartialLines(t *testing.T) {
	s := &Supervisor{failureDebounce: 0, log: discardLogger()}
	failures := make(chan struct{}, 1)
	w := &stderrScanner{supervisor: s, failures: failures}

	io.WriteString(w, "open failed: connect failed:")
	select {
	case <-failures:
		t.Fatal("partial line should not match")
	default:
	}

	io.WriteString(w, " Connection refused\n")
	select {
	case <-failures:
	default:
		t.Fatal("completed line should match")
	}
}

func TestStderrScanner_IgnoresNoise(t *testing.T) {
	s := &Supervisor{failureDebounce: 0, log: discardLogger()}
	failures := make(chan struct{}, 1)
	w := &stderrScanner{supervisor: s, failures: failures}

	io.WriteString(w, "Warning: Permanently added 'host' (ED25519) to the list of known hosts.\n")
	io.WriteString(w, "debug1: Authentication succeeded (publickey).\n")
	select {
	case <-failures:
		t.Fatal("benign stderr should not trigger a restart")
	default:
	}
}

func TestJitterBounds(t *testing.T) {
	d := 10 * time.Second
	for range 1000 {
		got := jitter(d)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("jitter(%v) = %v, outside ±20%%", d, got)
		}
	}
}
