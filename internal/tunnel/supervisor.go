package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sagemathinc/project-host/internal/metrics"
)

// Supervision timings. Registration retries ramp 2s→60s with ±20%
// jitter; a dead or broken child restarts after 5s; forward-failure
// detections collapse to one restart per 15s window.
const (
	defaultRetryMin        = 2 * time.Second
	defaultRetryMax        = 60 * time.Second
	defaultRestartDelay    = 5 * time.Second
	defaultFailureDebounce = 15 * time.Second

	// terminateGrace is how long a signalled child gets before the
	// runtime kills it outright.
	terminateGrace = 5 * time.Second
)

// forwardFailureRE matches the stderr lines OpenSSH emits when a
// remote forward cannot reach its local target. ExitOnForwardFailure
// only covers setup; these appear when the local service dies later.
var forwardFailureRE = regexp.MustCompile(
	`connect_to 127\.0\.0\.1 port \d+: failed|open failed: connect failed: Connection refused`)

// Endpoints is the forward assignment the master returns at
// registration.
type Endpoints struct {
	SSHDHost       string `json:"sshd_host"`
	SSHDPort       int    `json:"sshd_port"`
	SSHUser        string `json:"ssh_user"`
	HTTPTunnelPort int    `json:"http_tunnel_port"`
	SSHTunnelPort  int    `json:"ssh_tunnel_port"`
	RESTPort       int    `json:"rest_port"`
}

// RegisterFunc registers the host's tunnel with the master, uploading
// the public key, and returns the current endpoint assignment.
type RegisterFunc func(ctx context.Context) (Endpoints, error)

// tunnelProcess is one ssh child. Tests substitute fakes to exercise
// the supervision contract without OpenSSH.
type tunnelProcess interface {
	Start() error
	Wait() error
	Signal(sig os.Signal) error
}

// commandFactory builds a tunnel child with its stderr attached to the
// supervisor's scanner.
type commandFactory func(ctx context.Context, args []string, stderr io.Writer) tunnelProcess

type execProcess struct {
	cmd *exec.Cmd
}

func newExecFactory(sshPath string) commandFactory {
	return func(ctx context.Context, args []string, stderr io.Writer) tunnelProcess {
		cmd := exec.CommandContext(ctx, sshPath, args...)
		cmd.Stderr = stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = terminateGrace
		return &execProcess{cmd: cmd}
	}
}

func (p *execProcess) Start() error { return p.cmd.Start() }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// SupervisorOption configures the supervisor.
type SupervisorOption func(*Supervisor)

// WithLocalPorts sets the local HTTP and SSH ports exposed through the
// master's remote forwards.
func WithLocalPorts(httpPort, sshPort int) SupervisorOption {
	return func(s *Supervisor) {
		s.localHTTPPort = httpPort
		s.localSSHPort = sshPort
	}
}

// WithRESTLocalPort overrides the local bind of the master REST
// forward. Zero binds the master-assigned port number locally.
func WithRESTLocalPort(port int) SupervisorOption {
	return func(s *Supervisor) { s.restLocalPort = port }
}

// WithSSHPath overrides the ssh binary path.
func WithSSHPath(path string) SupervisorOption {
	return func(s *Supervisor) { s.command = newExecFactory(path) }
}

// WithTunnelLogger overrides the default logger.
func WithTunnelLogger(log *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithTunnelMetrics records restarts on the given instruments.
func WithTunnelMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithCommandFactory substitutes the child-process factory, for tests.
func WithCommandFactory(factory commandFactory) SupervisorOption {
	return func(s *Supervisor) { s.command = factory }
}

// WithTimings overrides the restart delay and forward-failure
// debounce, for tests.
func WithTimings(restart, debounce time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.restartDelay = restart
		s.failureDebounce = debounce
	}
}

// WithRetryBackoff overrides the registration retry ramp, for tests.
func WithRetryBackoff(min, max time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.retryMin = min
		s.retryMax = max
	}
}

// Supervisor keeps one reverse-SSH child alive against the master's
// current endpoint assignment. It implements transport.Listener.
type Supervisor struct {
	register RegisterFunc
	keys     *KeyPair
	command  commandFactory

	localHTTPPort int
	localSSHPort  int
	restLocalPort int

	retryMin        time.Duration
	retryMax        time.Duration
	restartDelay    time.Duration
	failureDebounce time.Duration

	log     *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	lastFailure time.Time
}

// NewSupervisor wires a supervisor to its registration call and key
// pair. Local ports must be set with WithLocalPorts.
func NewSupervisor(register RegisterFunc, keys *KeyPair, opts ...SupervisorOption) (*Supervisor, error) {
	s := &Supervisor{
		register:        register,
		keys:            keys,
		command:         newExecFactory("ssh"),
		retryMin:        defaultRetryMin,
		retryMax:        defaultRetryMax,
		restartDelay:    defaultRestartDelay,
		failureDebounce: defaultFailureDebounce,
		log:             slog.Default().With("component", "tunnel"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.register == nil {
		return nil, fmt.Errorf("tunnel: register function is required")
	}
	if s.keys == nil {
		return nil, fmt.Errorf("tunnel: key pair is required")
	}
	if s.localHTTPPort == 0 {
		return nil, fmt.Errorf("tunnel: local HTTP port is required")
	}
	return s, nil
}

// Start runs the supervision loop until ctx is cancelled: register,
// spawn, watch, restart. Registration failures back off exponentially;
// every restart re-resolves the endpoint assignment so a master-side
// move is adopted without host intervention.
func (s *Supervisor) Start(ctx context.Context) error {
	retry := &backoff.Backoff{Min: s.retryMin, Max: s.retryMax, Factor: 2}
	var prev *Endpoints

	for {
		if ctx.Err() != nil {
			return nil
		}

		ep, err := s.register(ctx)
		if err != nil {
			delay := jitter(retry.Duration())
			s.log.Warn("tunnel registration failed, retrying", "err", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		retry.Reset()
		s.logEndpointChanges(prev, ep)
		prev = &ep

		reason := s.runOnce(ctx, ep)
		if ctx.Err() != nil {
			return nil
		}
		s.metrics.TunnelRestart(ctx, reason)
		if !sleepCtx(ctx, s.restartDelay) {
			return nil
		}
	}
}

// Stop is a no-op: the loop tears the child down when its context is
// cancelled.
func (s *Supervisor) Stop(context.Context) error { return nil }

// runOnce runs a single child to completion and reports why it ended.
// The old child is always reaped before runOnce returns, so two ssh
// processes never overlap.
func (s *Supervisor) runOnce(ctx context.Context, ep Endpoints) string {
	failures := make(chan struct{}, 1)
	proc := s.command(ctx, s.sshArgs(ep), &stderrScanner{supervisor: s, failures: failures})
	if err := proc.Start(); err != nil {
		s.log.Error("spawn tunnel child", "err", err)
		return "spawn_failed"
	}
	s.log.Info("tunnel child started",
		"sshd_host", ep.SSHDHost, "sshd_port", ep.SSHDPort,
		"http_tunnel_port", ep.HTTPTunnelPort, "ssh_tunnel_port", ep.SSHTunnelPort,
		"rest_port", ep.RESTPort)

	waitc := make(chan error, 1)
	go func() { waitc <- proc.Wait() }()

	select {
	case <-ctx.Done():
		proc.Signal(syscall.SIGTERM)
		<-waitc
		return "shutdown"
	case err := <-waitc:
		s.log.Warn("tunnel child exited", "err", err)
		return "exit"
	case <-failures:
		s.log.Warn("tunnel forward failure, restarting child")
		proc.Signal(syscall.SIGTERM)
		<-waitc
		return "forward_failure"
	}
}

// sshArgs builds the exact OpenSSH invocation: no shell, no TTY, die
// if a forward cannot be established, keepalives every 30s, and the
// three master-assigned forwards.
func (s *Supervisor) sshArgs(ep Endpoints) []string {
	restLocal := s.restLocalPort
	if restLocal == 0 {
		restLocal = ep.RESTPort
	}
	return []string{
		"-i", s.keys.PrivatePath,
		"-N", "-T",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-p", strconv.Itoa(ep.SSHDPort),
		"-R", fmt.Sprintf("0.0.0.0:%d:127.0.0.1:%d", ep.HTTPTunnelPort, s.localHTTPPort),
		"-R", fmt.Sprintf("0.0.0.0:%d:127.0.0.1:%d", ep.SSHTunnelPort, s.localSSHPort),
		"-L", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", restLocal, ep.RESTPort),
		ep.SSHUser + "@" + ep.SSHDHost,
	}
}

func (s *Supervisor) logEndpointChanges(prev *Endpoints, next Endpoints) {
	if prev == nil {
		return
	}
	if prev.SSHDHost != next.SSHDHost || prev.SSHDPort != next.SSHDPort || prev.RESTPort != next.RESTPort {
		s.log.Info("tunnel endpoints changed",
			"sshd_host", next.SSHDHost, "old_sshd_host", prev.SSHDHost,
			"sshd_port", next.SSHDPort, "old_sshd_port", prev.SSHDPort,
			"rest_port", next.RESTPort, "old_rest_port", prev.RESTPort)
	}
}

// noteForwardFailure applies the debounce window. It reports whether
// this detection should trigger a restart.
func (s *Supervisor) noteForwardFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.lastFailure) < s.failureDebounce {
		return false
	}
	s.lastFailure = now
	return true
}

// stderrScanner watches the child's stderr line by line for forward
// failures. It is an io.Writer so there is no pipe to race the
// process reaper for.
type stderrScanner struct {
	supervisor *Supervisor
	failures   chan<- struct{}
	buf        bytes.Buffer
}

func (w *stderrScanner) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: stash it for the next write.
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.supervisor.log.Debug("ssh", "stderr", line[:len(line)-1])
		if forwardFailureRE.MatchString(line) && w.supervisor.noteForwardFailure() {
			select {
			case w.failures <- struct{}{}:
			default:
			}
		}
	}
}

// jitter spreads a delay ±20% so a fleet of hosts does not hammer the
// master in lockstep after an outage.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// sleepCtx blocks for d or until ctx is done. It reports whether the
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
