package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Client-side defaults; the config layer can override all of them.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultStartDeadline  = 8 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	pingBudget            = time.Second
)

// StartFunc launches the daemon process. It returns once the process
// is spawned; readiness is confirmed by ping polling.
type StartFunc func() error

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSocket overrides the socket path.
func WithSocket(path string) ClientOption {
	return func(c *Client) { c.socket = path }
}

// WithConnectTimeout bounds the socket dial.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithClientRPCTimeout bounds one request round trip.
func WithClientRPCTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.rpcTimeout = d
		}
	}
}

// WithStartDeadline bounds how long an auto-started daemon may take to
// answer its first ping.
func WithStartDeadline(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.startDeadline = d
		}
	}
}

// WithStarter sets how the daemon is launched on demand. A nil
// starter disables auto-start and surfaces transport errors as-is.
func WithStarter(start StartFunc) ClientOption {
	return func(c *Client) { c.start = start }
}

// WithClientLogger overrides the default logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// Client talks to the per-user daemon, starting it on demand.
type Client struct {
	socket         string
	connectTimeout time.Duration
	rpcTimeout     time.Duration
	startDeadline  time.Duration
	pollInterval   time.Duration
	start          StartFunc
	log            *slog.Logger
}

// NewClient builds a client for the per-user socket.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		socket:         SocketPath(),
		connectTimeout: DefaultConnectTimeout,
		rpcTimeout:     DefaultRPCTimeout,
		startDeadline:  DefaultStartDeadline,
		pollInterval:   defaultPollInterval,
		start:          StartProcess,
		log:            slog.Default().With("component", "daemon-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends one request. When the daemon is unreachable for transport
// reasons it is started and the request is retried exactly once.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	resp, err := c.roundTrip(ctx, req, c.rpcTimeout)
	if err == nil || !transportError(err) || c.start == nil {
		return resp, err
	}
	c.log.Debug("daemon unreachable, starting it", "err", err)
	if serr := c.start(); serr != nil {
		return Response{}, fmt.Errorf("start daemon: %w", serr)
	}
	if werr := c.awaitReady(ctx); werr != nil {
		return Response{}, werr
	}
	return c.roundTrip(ctx, req, c.rpcTimeout)
}

// Ping checks whether a daemon is serving.
func (c *Client) Ping(ctx context.Context) (Response, error) {
	return c.roundTrip(ctx, Request{ID: uuid.NewString(), Action: ActionPing}, pingBudget)
}

// Shutdown asks a running daemon to exit; a missing daemon is fine.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Request{ID: uuid.NewString(), Action: ActionShutdown}, pingBudget)
	if err != nil && transportError(err) {
		return nil
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, req Request, budget time.Duration) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socket, c.connectTimeout)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Response{}, err
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, err
		}
		return Response{}, io.ErrUnexpectedEOF
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("decode daemon response: %w", err)
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("daemon answered request %q, want %q", resp.ID, req.ID)
	}
	return resp, nil
}

// awaitReady polls ping until the started daemon answers or the start
// deadline passes.
func (c *Client) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(c.startDeadline)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if resp, err := c.roundTrip(ctx, Request{ID: uuid.NewString(), Action: ActionPing}, pingBudget); err == nil && resp.OK {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not answer within %s; check %s", c.startDeadline, LogPath())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// transportError reports whether err means "no daemon is serving":
// the socket is missing, nothing accepts, the peer vanished, or the
// exchange timed out. These are the triggers for auto-start.
func transportError(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// StartProcess launches the current binary as the per-user daemon in
// its own session, with output appended to the daemon log file.
func StartProcess() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(RuntimeDir(), 0o700); err != nil {
		return err
	}
	logf, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer logf.Close()

	cmd := exec.Command(exe, "daemon", "--daemon-mode")
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
