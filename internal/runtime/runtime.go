// Package runtime drives the external workspace collaborators over
// their CLIs: podman for containers and btrfs for project subvolumes.
// The host never links a container engine; everything goes through
// argv so the collaborators stay replaceable. The package also owns
// the ref-counted container leases that keep workspaces warm between
// operations.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sagemathinc/project-host/internal/core"
)

// defaultCommandTimeout bounds one podman/btrfs invocation. Streaming
// execs are exempt; their callers own the deadline.
const defaultCommandTimeout = 30 * time.Second

// ContainerName is the canonical container name for a project
// workspace.
func ContainerName(projectID string) string { return "project-" + projectID }

// ContainerState is the observed state of one container.
type ContainerState struct {
	Name     string
	Image    string
	Running  bool
	Pid      int
	ExitCode int
}

// Mount is one bind mount of a running container.
type Mount struct {
	Type        string `json:"Type"`
	Source      string `json:"Source"`
	Destination string `json:"Destination"`
}

// ContainerInfo describes a live container in a runtime scan.
type ContainerInfo struct {
	Name   string
	Labels map[string]string
	Mounts []Mount
}

// PortMap publishes one container port on the loopback interface.
type PortMap struct {
	Host      int
	Container int
}

// RunSpec describes a workspace container to create and start.
type RunSpec struct {
	ProjectID string
	Image     string
	Hostname  string
	Env       map[string]string
	Mounts    []Mount
	Ports     []PortMap
	Command   []string
}

// commandRunner abstracts child-process invocation so tests can drive
// the adapter without a container engine.
type commandRunner interface {
	output(ctx context.Context, binary string, args []string) ([]byte, error)
	stream(ctx context.Context, binary string, args []string, stdout, stderr io.Writer) (int, error)
}

type execCommandRunner struct{}

func (execCommandRunner) output(ctx context.Context, binary string, args []string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, binary, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s %s: %w: %s",
				binary, strings.Join(args, " "), err, bytes.TrimSpace(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%s %s: %w", binary, strings.Join(args, " "), err)
	}
	return out, nil
}

func (execCommandRunner) stream(ctx context.Context, binary string, args []string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero exit is a result, not a transport failure.
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("%s %s: %w", binary, strings.Join(args, " "), err)
	}
	return 0, nil
}

// CLIOption configures the adapter.
type CLIOption func(*CLI)

// WithPodmanPath overrides the podman binary path.
func WithPodmanPath(path string) CLIOption {
	return func(c *CLI) { c.podman = path }
}

// WithCommandTimeout overrides the per-invocation deadline.
func WithCommandTimeout(d time.Duration) CLIOption {
	return func(c *CLI) { c.timeout = d }
}

// WithRuntimeLogger overrides the default logger.
func WithRuntimeLogger(log *slog.Logger) CLIOption {
	return func(c *CLI) { c.log = log }
}

// CLI is the podman adapter. All methods shell out; none keep state.
type CLI struct {
	podman  string
	timeout time.Duration
	log     *slog.Logger
	run     commandRunner
}

// NewCLI returns a podman adapter with defaults suitable for a
// rootful host install.
func NewCLI(opts ...CLIOption) *CLI {
	c := &CLI{
		podman:  "podman",
		timeout: defaultCommandTimeout,
		log:     slog.Default().With("component", "runtime"),
		run:     execCommandRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CLI) output(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.log.Debug("podman", "args", strings.Join(args, " "))
	return c.run.output(ctx, c.podman, args)
}

// inspectEntry is the subset of `podman inspect` output the host
// reads.
type inspectEntry struct {
	Name  string `json:"Name"`
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		Pid      int    `json:"Pid"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	Mounts []Mount `json:"Mounts"`
}

func (c *CLI) inspect(ctx context.Context, names ...string) ([]inspectEntry, error) {
	args := append([]string{"container", "inspect", "--format", "json"}, names...)
	out, err := c.output(ctx, args...)
	if err != nil {
		if strings.Contains(err.Error(), "no such container") || strings.Contains(err.Error(), "no such object") {
			return nil, &core.ErrNotFound{Resource: "container", ID: strings.Join(names, ",")}
		}
		return nil, err
	}
	var entries []inspectEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}
	return entries, nil
}

// State reports the project container's state. A missing container is
// a core.ErrNotFound, which callers treat as "never created".
func (c *CLI) State(ctx context.Context, projectID string) (ContainerState, error) {
	entries, err := c.inspect(ctx, ContainerName(projectID))
	if err != nil {
		return ContainerState{}, err
	}
	if len(entries) == 0 {
		return ContainerState{}, &core.ErrNotFound{Resource: "container", ID: ContainerName(projectID)}
	}
	e := entries[0]
	return ContainerState{
		Name:     strings.TrimPrefix(e.Name, "/"),
		Image:    e.Config.Image,
		Running:  e.State.Running,
		Pid:      e.State.Pid,
		ExitCode: e.State.ExitCode,
	}, nil
}

// Run creates and starts a workspace container. Published ports bind
// the loopback interface only; the proxy is the outward surface.
func (c *CLI) Run(ctx context.Context, spec RunSpec) error {
	if spec.ProjectID == "" {
		return &core.ErrInvalidInput{Field: "project_id", Message: "required"}
	}
	if spec.Image == "" {
		return &core.ErrInvalidInput{Field: "image", Message: "required"}
	}
	args := []string{
		"run", "--detach",
		"--name", ContainerName(spec.ProjectID),
		"--label", "cocalc.project_id=" + spec.ProjectID,
	}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	for _, m := range spec.Mounts {
		args = append(args, "--volume", m.Source+":"+m.Destination)
	}
	for _, p := range spec.Ports {
		args = append(args, "--publish", fmt.Sprintf("127.0.0.1:%d:%d", p.Host, p.Container))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	if _, err := c.output(ctx, args...); err != nil {
		return fmt.Errorf("run container for project %s: %w", spec.ProjectID, err)
	}
	return nil
}

// Start starts an existing, stopped container.
func (c *CLI) Start(ctx context.Context, projectID string) error {
	if _, err := c.output(ctx, "start", ContainerName(projectID)); err != nil {
		return fmt.Errorf("start container for project %s: %w", projectID, err)
	}
	return nil
}

// Stop stops the container, giving it ten seconds before the kill.
func (c *CLI) Stop(ctx context.Context, projectID string) error {
	if _, err := c.output(ctx, "stop", "--time", "10", ContainerName(projectID)); err != nil {
		return fmt.Errorf("stop container for project %s: %w", projectID, err)
	}
	return nil
}

// Remove force-removes the container. Removing an absent container is
// not an error; delete must be idempotent.
func (c *CLI) Remove(ctx context.Context, projectID string) error {
	_, err := c.output(ctx, "rm", "--force", ContainerName(projectID))
	if err != nil && !strings.Contains(err.Error(), "no such container") {
		return fmt.Errorf("remove container for project %s: %w", projectID, err)
	}
	return nil
}

// Pull fetches a workspace image, for upgrades.
func (c *CLI) Pull(ctx context.Context, image string) error {
	if _, err := c.output(ctx, "pull", image); err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	return nil
}

// PublishedPort resolves the host port a container port was published
// on. A missing container or an unpublished port is a core.ErrNotFound.
func (c *CLI) PublishedPort(ctx context.Context, projectID string, port int) (int, error) {
	out, err := c.output(ctx, "port", ContainerName(projectID), strconv.Itoa(port)+"/tcp")
	if err != nil {
		if strings.Contains(err.Error(), "no such container") {
			return 0, &core.ErrNotFound{Resource: "container", ID: ContainerName(projectID)}
		}
		return 0, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		_, hostPort, err := net.SplitHostPort(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(hostPort)
		if err != nil {
			continue
		}
		return n, nil
	}
	return 0, &core.ErrNotFound{Resource: "published port", ID: fmt.Sprintf("%s:%d", projectID, port)}
}

// Running lists live containers with their labels and mounts.
func (c *CLI) Running(ctx context.Context) ([]ContainerInfo, error) {
	out, err := c.output(ctx, "ps", "--quiet")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return nil, nil
	}
	entries, err := c.inspect(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("inspect containers: %w", err)
	}
	infos := make([]ContainerInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, ContainerInfo{
			Name:   strings.TrimPrefix(e.Name, "/"),
			Labels: e.Config.Labels,
			Mounts: e.Mounts,
		})
	}
	return infos, nil
}

// UsedBy returns the names of live containers binding source at
// destination. The credential GC uses it to skip directories that are
// still mounted.
func (c *CLI) UsedBy(ctx context.Context, destination, source string) ([]string, error) {
	infos, err := c.Running(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		for _, m := range info.Mounts {
			if m.Destination == destination && m.Source == source {
				names = append(names, info.Name)
				break
			}
		}
	}
	return names, nil
}

// ExecStream runs argv inside the project container, streaming stdout
// and stderr as they are produced. The exit code is a result; only
// spawn and transport problems are errors. The caller owns the
// deadline.
func (c *CLI) ExecStream(ctx context.Context, projectID string, argv []string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return 0, &core.ErrInvalidInput{Field: "argv", Message: "required"}
	}
	args := append([]string{"exec", ContainerName(projectID)}, argv...)
	c.log.Debug("podman", "args", strings.Join(args, " "))
	return c.run.stream(ctx, c.podman, args, stdout, stderr)
}
