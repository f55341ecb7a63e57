package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/core"
)

// DefaultRPCTimeout bounds one file operation end to end unless the
// request carries its own budget.
const DefaultRPCTimeout = 30 * time.Second

// ErrAlreadyServing means another daemon answers on the socket. A
// process that lost the auto-start race checks for it and exits clean.
var ErrAlreadyServing = errors.New("daemon already serving")

// Option configures the daemon.
type Option func(*Daemon)

// WithRPCTimeout overrides the default per-request budget.
func WithRPCTimeout(d time.Duration) Option {
	return func(dm *Daemon) {
		if d > 0 {
			dm.rpcTimeout = d
		}
	}
}

// WithDaemonLogger overrides the default logger.
func WithDaemonLogger(log *slog.Logger) Option {
	return func(dm *Daemon) { dm.log = log }
}

// Daemon serves line-delimited JSON requests on a per-user Unix
// socket. Authenticated bus contexts are pooled by credential hash and
// live until shutdown, so repeated invocations with the same auth pay
// the sign-in cost once.
type Daemon struct {
	open       ContextFactory
	rpcTimeout time.Duration
	log        *slog.Logger
	started    time.Time

	flight   singleflight.Group
	mu       sync.Mutex
	contexts map[string]BusContext

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a daemon that opens bus contexts through the factory.
func New(open ContextFactory, opts ...Option) (*Daemon, error) {
	if open == nil {
		return nil, errors.New("daemon: nil context factory")
	}
	d := &Daemon{
		open:       open,
		rpcTimeout: DefaultRPCTimeout,
		log:        slog.Default().With("component", "daemon"),
		started:    time.Now(),
		contexts:   make(map[string]BusContext),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Listen claims the per-user socket. A stale socket left by a dead
// daemon is replaced; a socket that answers a dial means another
// daemon is serving and this one must not start.
func Listen(socket string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(socket); err == nil {
		probe, err := net.DialTimeout("unix", socket, time.Second)
		if err == nil {
			probe.Close()
			return nil, fmt.Errorf("%w on %s", ErrAlreadyServing, socket)
		}
		if err := os.Remove(socket); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// WritePID records the serving process for operators and cleanup.
func WritePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

// Serve accepts connections until the context ends or Stop is called,
// then drains in-flight requests and closes every bus context.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	defer d.closeContexts()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-d.stopped:
		case <-done:
		}
		ln.Close()
	}()

	d.log.Info("daemon serving", "addr", ln.Addr().String(), "pid", os.Getpid())
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			case <-d.stopped:
				return nil
			default:
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// Stop asks Serve to wind down.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// ContextCount reports how many bus contexts are pooled.
func (d *Daemon) ContextCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

func (d *Daemon) closeContexts() {
	d.mu.Lock()
	contexts := d.contexts
	d.contexts = make(map[string]BusContext)
	d.mu.Unlock()
	for _, bc := range contexts {
		bc.Close()
	}
}

// handleConn processes one connection's requests in order. Each CLI
// invocation opens its own connection; concurrency comes from many
// connections, not pipelining within one.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			d.log.Warn("dropping malformed frame", "err", err)
			return
		}
		resp := d.handle(ctx, &req)
		if err := enc.Encode(resp); err != nil {
			d.log.Warn("write response", "err", err)
			return
		}
		if req.Action == ActionShutdown {
			d.Stop()
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		d.log.Warn("read request", "err", err)
	}
}

type pingData struct {
	PID      int   `json:"pid"`
	UptimeMS int64 `json:"uptime_ms"`
	Contexts int   `json:"contexts"`
}

func (d *Daemon) handle(ctx context.Context, req *Request) Response {
	switch {
	case req.Action == ActionPing:
		data, _ := json.Marshal(pingData{
			PID:      os.Getpid(),
			UptimeMS: time.Since(d.started).Milliseconds(),
			Contexts: d.ContextCount(),
		})
		return Response{ID: req.ID, OK: true, Data: data}
	case req.Action == ActionShutdown:
		d.log.Info("shutdown requested")
		return Response{ID: req.ID, OK: true}
	case strings.HasPrefix(req.Action, fileActionPrefix):
		return d.fileOp(ctx, req)
	default:
		return errorResponse(req.ID, &core.ErrInvalidInput{
			Field:   "action",
			Message: fmt.Sprintf("unknown action %q", req.Action),
		}, nil)
	}
}

func (d *Daemon) fileOp(ctx context.Context, req *Request) Response {
	auth, profileName := globalsProfile(req.Globals)
	meta := &Meta{API: auth.API, AccountID: auth.AccountID}

	workspaceID, err := resolveWorkspace(req)
	if err != nil {
		return errorResponse(req.ID, err, meta)
	}
	bc, err := d.context(ctx, profileName, auth)
	if err != nil {
		return errorResponse(req.ID, err, meta)
	}

	budget := d.rpcTimeout
	if req.Globals != nil && req.Globals.TimeoutMS > 0 {
		budget = time.Duration(req.Globals.TimeoutMS) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	method := strings.TrimPrefix(req.Action, fileActionPrefix)
	var data json.RawMessage
	if err := bc.Call(callCtx, workspaceID, "fs", method, &data, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out after %s: %w", req.Action, budget, context.DeadlineExceeded)
		}
		return errorResponse(req.ID, err, meta)
	}
	return Response{ID: req.ID, OK: true, Data: data, Meta: meta}
}

// context returns the pooled bus context for the credential set,
// opening it once even under concurrent callers.
func (d *Daemon) context(ctx context.Context, profileName string, auth cli.AuthProfile) (BusContext, error) {
	key := auth.ContextKey(profileName)
	d.mu.Lock()
	bc := d.contexts[key]
	d.mu.Unlock()
	if bc != nil {
		return bc, nil
	}
	v, err, _ := d.flight.Do(key, func() (any, error) {
		d.mu.Lock()
		if bc := d.contexts[key]; bc != nil {
			d.mu.Unlock()
			return bc, nil
		}
		d.mu.Unlock()
		bc, err := d.open(ctx, profileName, auth)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.contexts[key] = bc
		d.mu.Unlock()
		d.log.Info("opened bus context", "profile", profileName, "api", auth.API)
		return bc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(BusContext), nil
}

func globalsProfile(g *Globals) (cli.AuthProfile, string) {
	if g == nil {
		return cli.AuthProfile{}, ""
	}
	return cli.AuthProfile{
		API:         g.API,
		AccountID:   g.AccountID,
		APIKey:      g.APIKey,
		Cookie:      g.Cookie,
		Bearer:      g.Bearer,
		HubPassword: g.HubPassword,
	}, g.Profile
}

// resolveWorkspace picks the target workspace: an explicit id wins,
// otherwise the context file found from the request's cwd upward.
func resolveWorkspace(req *Request) (string, error) {
	if req.Globals != nil && req.Globals.Workspace != "" {
		if !core.IsUUID(req.Globals.Workspace) {
			return "", &core.ErrInvalidInput{Field: "workspace", Message: "not a workspace id"}
		}
		return req.Globals.Workspace, nil
	}
	if req.CWD == "" {
		return "", &core.ErrInvalidInput{Field: "cwd", Message: "required to resolve the workspace context"}
	}
	wc, _, err := cli.FindWorkspaceContext(req.CWD)
	if errors.Is(err, cli.ErrNoWorkspace) {
		return "", &core.ErrInvalidInput{
			Field:   "workspace",
			Message: "no " + cli.ContextFile + " in this directory or any parent; run workspace use first",
		}
	}
	if err != nil {
		return "", err
	}
	return wc.WorkspaceID, nil
}

func errorResponse(id string, err error, meta *Meta) Response {
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    core.ErrorCode(err),
			Message: err.Error(),
		},
		Meta: meta,
	}
}
