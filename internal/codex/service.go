package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
)

// Shared-home modes. They decide how hard exec leans on the
// host-cached credentials: "always" refuses to run without them,
// "prefer" pulls them when the registry has some, "fallback" leaves
// the workspace to whatever login state it already holds.
const (
	ModeFallback = "fallback"
	ModePrefer   = "prefer"
	ModeAlways   = "always"
)

// Frame types of a streamed reply.
const (
	FrameStdout     = "stdout"
	FrameStderr     = "stderr"
	FrameDeviceAuth = "device_auth"
	FrameSummary    = "summary"
)

const (
	defaultExecTimeout  = time.Hour
	defaultLoginTimeout = 15 * time.Minute
)

// loginArgv starts a device-auth flow inside the workspace. The CLI
// prints a verification URL and a pairing code, then blocks until the
// user approves in a browser.
var loginArgv = []string{"codex", "login"}

// Executor runs a command inside a project's workspace container.
// *runtime.CLI satisfies it.
type Executor interface {
	ExecStream(ctx context.Context, projectID string, argv []string, stdout, stderr io.Writer) (int, error)
}

// Leaser keeps a workspace alive while a command runs in it.
// *runtime.Leases satisfies it.
type Leaser interface {
	Acquire(key string) (release func())
}

// Frame is one element of a streamed exec or login reply.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Summary terminates every stream. LoggedIn is only meaningful on
// login replies.
type Summary struct {
	ExitCode  int   `json:"exit_code"`
	ElapsedMS int64 `json:"elapsed_ms"`
	LoggedIn  bool  `json:"logged_in,omitempty"`
}

type execInput struct {
	Args      []string `json:"args"`
	AccountID string   `json:"account_id,omitempty"` // hub callers only
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

type loginInput struct {
	AccountID string `json:"account_id,omitempty"` // hub callers only
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// Service answers project.<id>.codex.api. Streamed exec runs the codex
// CLI inside the workspace under the caller's subscription; streamed
// login drives a device-auth flow and pushes the resulting credentials
// to the master registry.
type Service struct {
	cache  *Cache
	exec   Executor
	leases Leaser
	mode   string
	log    *slog.Logger
}

// ServiceOption configures the codex service.
type ServiceOption func(*Service)

// WithSharedHomeMode selects the shared-home policy applied before
// exec. Unknown values fall back to "fallback".
func WithSharedHomeMode(mode string) ServiceOption {
	return func(s *Service) {
		switch mode {
		case ModeFallback, ModePrefer, ModeAlways:
			s.mode = mode
		}
	}
}

// WithServiceLogger overrides the service logger.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// NewService builds the codex bus service.
func NewService(cache *Cache, exec Executor, leases Leaser, opts ...ServiceOption) (*Service, error) {
	if cache == nil || exec == nil || leases == nil {
		return nil, errors.New("codex: cache, executor and leases are required")
	}
	s := &Service{
		cache:  cache,
		exec:   exec,
		leases: leases,
		mode:   ModeFallback,
		log:    slog.Default().With("component", "codex"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Definition binds the handlers under the project wildcard. The
// serving client signs in as hub, which the ACL lets subscribe across
// projects; per-call authorization happens here against the caller
// identity.
func (s *Service) Definition() *conat.Service {
	return conat.NewService(conat.ProjectSubject("*", "codex", "api")).
		HandleStream("exec", s.execStream).
		HandleStream("login", s.loginStream)
}

func (s *Service) execStream(ctx context.Context, req *conat.Request, send func([]byte) error) error {
	projectID, ok := conat.ProjectFromSubject(req.Subject)
	if !ok {
		return &core.ErrInvalidInput{Field: "subject", Message: "missing project id"}
	}
	var in execInput
	if err := req.Bind(&in); err != nil {
		return err
	}
	if len(in.Args) == 0 {
		return &core.ErrInvalidInput{Field: "args", Message: "required"}
	}
	accountID, err := s.accountFor(req, in.AccountID)
	if err != nil {
		return err
	}
	if err := s.resolveForMode(ctx, accountID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout(in.TimeoutMS, defaultExecTimeout))
	defer cancel()
	release := s.leases.Acquire(projectID)
	defer release()

	argv := append([]string{"codex"}, in.Args...)
	s.log.Info("codex exec", "project_id", projectID, "account_id", accountID, "args", strings.Join(in.Args, " "))
	exit, elapsed, err := s.run(ctx, projectID, argv, send, nil)
	if err != nil {
		return err
	}
	return sendSummary(send, Summary{ExitCode: exit, ElapsedMS: elapsed.Milliseconds()})
}

func (s *Service) loginStream(ctx context.Context, req *conat.Request, send func([]byte) error) error {
	projectID, ok := conat.ProjectFromSubject(req.Subject)
	if !ok {
		return &core.ErrInvalidInput{Field: "subject", Message: "missing project id"}
	}
	var in loginInput
	if err := req.Bind(&in); err != nil {
		return err
	}
	accountID, err := s.accountFor(req, in.AccountID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout(in.TimeoutMS, defaultLoginTimeout))
	defer cancel()
	release := s.leases.Acquire(projectID)
	defer release()

	// The prompt lands on stdout or stderr depending on the CLI
	// release, so both feed the parser. The device_auth frame goes
	// out once.
	var (
		tapMu     sync.Mutex
		parser    DeviceAuthParser
		announced bool
	)
	tap := func(line string) {
		tapMu.Lock()
		defer tapMu.Unlock()
		if announced {
			return
		}
		auth, done := parser.Feed(line)
		if !done {
			return
		}
		announced = true
		payload, _ := json.Marshal(auth)
		frame, _ := json.Marshal(Frame{Type: FrameDeviceAuth, Payload: payload})
		if err := send(frame); err != nil {
			s.log.Warn("device-auth frame undeliverable", "project_id", projectID, "err", err)
		}
	}

	s.log.Info("codex login", "project_id", projectID, "account_id", accountID)
	exit, elapsed, err := s.run(ctx, projectID, loginArgv, send, tap)
	if err != nil {
		return err
	}

	loggedIn := exit == 0
	if loggedIn {
		// The workspace wrote credentials through the shared-home
		// mount. If they are not visible here the mount was local-only;
		// the login still counts, it just cannot be pushed.
		payload, rerr := os.ReadFile(filepath.Join(s.cache.Dir(accountID), authFile))
		switch {
		case rerr != nil:
			s.log.Warn("login credentials not visible on host, skipping registry push",
				"account_id", accountID, "err", rerr)
		default:
			if serr := s.cache.StoreLogin(ctx, accountID, payload); serr != nil {
				s.log.Warn("registry push failed", "account_id", accountID, "err", serr)
			}
		}
	}
	return sendSummary(send, Summary{ExitCode: exit, ElapsedMS: elapsed.Milliseconds(), LoggedIn: loggedIn})
}

// run executes argv in the workspace and relays output as line frames.
// The stream sequence counter upstream is not safe for concurrent
// writers, so stdout and stderr serialize on one send.
func (s *Service) run(ctx context.Context, projectID string, argv []string, send func([]byte) error, tap func(string)) (int, time.Duration, error) {
	var mu sync.Mutex
	locked := func(p []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return send(p)
	}
	stdout := &frameWriter{send: locked, typ: FrameStdout, tap: tap}
	stderr := &frameWriter{send: locked, typ: FrameStderr, tap: tap}

	start := time.Now()
	exit, err := s.exec.ExecStream(ctx, projectID, argv, stdout, stderr)
	stdout.flush()
	stderr.flush()
	if err != nil {
		return 0, 0, err
	}
	return exit, time.Since(start), nil
}

// accountFor decides whose credentials a call uses. Accounts always
// act as themselves, the hub names an account explicitly, and
// workspace identities have no subscription to borrow.
func (s *Service) accountFor(req *conat.Request, explicit string) (string, error) {
	switch req.Caller.Type {
	case core.UserAccount:
		if explicit != "" && explicit != req.Caller.ID {
			return "", &core.PolicyError{Identity: req.Caller, Subject: req.Subject}
		}
		return req.Caller.ID, nil
	case core.UserHub:
		if !core.IsUUID(explicit) {
			return "", &core.ErrInvalidInput{Field: "account_id", Message: "required for hub calls"}
		}
		return explicit, nil
	default:
		return "", &core.PolicyError{Identity: req.Caller, Subject: req.Subject}
	}
}

// resolveForMode applies the shared-home policy before an exec.
func (s *Service) resolveForMode(ctx context.Context, accountID string) error {
	switch s.mode {
	case ModeAlways:
		_, err := s.cache.Resolve(ctx, accountID)
		return err
	case ModePrefer:
		_, err := s.cache.Resolve(ctx, accountID)
		var nf *core.ErrNotFound
		if errors.As(err, &nf) {
			s.log.Debug("no cached credentials, using workspace login state", "account_id", accountID)
			return nil
		}
		return err
	default:
		return nil
	}
}

func sendSummary(send func([]byte) error, sum Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Type: FrameSummary, Payload: payload})
	if err != nil {
		return err
	}
	return send(frame)
}

func timeout(ms int64, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// frameWriter turns raw process output into line frames. Partial lines
// wait for their newline; flush drains whatever is left when the
// process exits mid-line.
type frameWriter struct {
	send func([]byte) error
	typ  string
	tap  func(string)
	buf  bytes.Buffer
	err  error
}

func (w *frameWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
		if w.err != nil {
			return 0, w.err
		}
	}
	return len(p), nil
}

func (w *frameWriter) flush() {
	if w.err != nil || w.buf.Len() == 0 {
		return
	}
	w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
	w.buf.Reset()
}

func (w *frameWriter) emit(line string) {
	if w.tap != nil {
		w.tap(line)
	}
	payload, err := json.Marshal(line)
	if err != nil {
		w.err = err
		return
	}
	frame, err := json.Marshal(Frame{Type: w.typ, Payload: payload})
	if err != nil {
		w.err = err
		return
	}
	w.err = w.send(frame)
}
