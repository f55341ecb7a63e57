package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/sagemathinc/project-host/internal/codex"
	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/lro"
	"github.com/sagemathinc/project-host/internal/runtime"
	"github.com/sagemathinc/project-host/internal/store"
)

// KindUpgradeSoftware is the operation kind for workspace image
// upgrades driven through the control service.
const KindUpgradeSoftware = "upgrade-software"

// restartMarker is dropped in the data directory after an upgrade
// pull; the process supervisor restarts the host when it appears.
const restartMarker = "restart-required"

// workspaceHome is where the project subvolume is mounted inside the
// container.
const workspaceHome = "/root"

// ContainerRuntime is the slice of the container adapter the control
// service drives.
type ContainerRuntime interface {
	State(ctx context.Context, projectID string) (runtime.ContainerState, error)
	Run(ctx context.Context, spec runtime.RunSpec) error
	Start(ctx context.Context, projectID string) error
	Stop(ctx context.Context, projectID string) error
	Remove(ctx context.Context, projectID string) error
	Pull(ctx context.Context, image string) error
}

// DiskManager is the slice of the volume adapter the control service
// drives.
type DiskManager interface {
	ProjectPath(projectID string) string
	CreateVolume(ctx context.Context, projectID string) error
	DeleteVolume(ctx context.Context, projectID string) error
	Grow(ctx context.Context, projectID string, sizeBytes int64) error
}

// ControlOption configures the control service.
type ControlOption func(*Control)

// WithControlVersion sets the running software version, the floor for
// upgrade targets.
func WithControlVersion(v string) ControlOption {
	return func(c *Control) { c.version = v }
}

// WithWorkspaceImage sets the container image projects run.
func WithWorkspaceImage(image string) ControlOption {
	return func(c *Control) { c.image = image }
}

// WithCodexRoot sets the credential cache root mounted into containers
// for the owning account. Empty disables the mount.
func WithCodexRoot(root string) ControlOption {
	return func(c *Control) { c.codexRoot = root }
}

// WithControlLogger overrides the default logger.
func WithControlLogger(log *slog.Logger) ControlOption {
	return func(c *Control) { c.log = log }
}

// Control is the hub-only service the master drives this host through:
// project lifecycle, membership and key pushes, disk growth, software
// upgrades, and the generic operation hooks. Every method validates
// against the local project table before touching the runtime.
type Control struct {
	hostID  string
	dataDir string
	store   *store.Store
	cli     ContainerRuntime
	disk    DiskManager
	acl     *core.Authorizer
	ops     *lro.Runtime

	version   string
	image     string
	codexRoot string
	log       *slog.Logger
}

// NewControl builds the control service and registers its operation
// kinds on the runtime.
func NewControl(hostID, dataDir string, st *store.Store, cli ContainerRuntime, disk DiskManager, acl *core.Authorizer, ops *lro.Runtime, opts ...ControlOption) (*Control, error) {
	if !core.IsUUID(hostID) {
		return nil, fmt.Errorf("master: host id %q is not a UUID", hostID)
	}
	if st == nil || cli == nil || disk == nil || acl == nil || ops == nil {
		return nil, errors.New("master: control needs store, runtime, disk, authorizer and operations")
	}
	c := &Control{
		hostID:  hostID,
		dataDir: dataDir,
		store:   st,
		cli:     cli,
		disk:    disk,
		acl:     acl,
		ops:     ops,
		version: "devel",
		log:     slog.Default().With("component", "control"),
	}
	for _, opt := range opts {
		opt(c)
	}
	ops.Register(KindUpgradeSoftware, c.runUpgrade)
	return c, nil
}

// Definition returns the bus service, served both on the local bus and
// on every master session.
func (c *Control) Definition() *conat.Service {
	return conat.NewService(conat.HostAPISubject(c.hostID)).
		Handle("createProject", c.createProject).
		Handle("startProject", c.startProject).
		Handle("stopProject", c.stopProject).
		Handle("deleteProjectData", c.deleteProjectData).
		Handle("updateAuthorizedKeys", c.updateAuthorizedKeys).
		Handle("updateProjectUsers", c.updateProjectUsers).
		Handle("upgradeSoftware", c.upgradeSoftware).
		Handle("growDisk", c.growDisk).
		Handle("lroSubmit", c.lroSubmit).
		Handle("lroGet", c.lroGet).
		Handle("lroCancel", c.lroCancel).
		Handle("lroList", c.lroList)
}

// guard rejects everything but hub callers. The local bus ACL already
// walls off hosts.*; on the master bus this is the host's own check.
func (c *Control) guard(req *conat.Request) error {
	if req.Caller.Type != core.UserHub {
		return &core.PolicyError{Identity: req.Caller, Subject: req.Subject}
	}
	return nil
}

type projectRef struct {
	ProjectID string `json:"project_id"`
}

type stateResponse struct {
	ProjectID string `json:"project_id"`
	State     string `json:"state"`
}

type controlAck struct {
	OK bool `json:"ok"`
}

// project loads the row for a validated hub request.
func (c *Control) project(ctx context.Context, req *conat.Request) (*core.ProjectRow, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in projectRef
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if !core.IsUUID(in.ProjectID) {
		return nil, &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}
	return c.store.GetProject(ctx, in.ProjectID)
}

type createProjectRequest struct {
	ProjectID string                      `json:"project_id"`
	Title     string                      `json:"title,omitempty"`
	Users     map[string]core.ProjectUser `json:"users,omitempty"`
}

func (c *Control) createProject(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in createProjectRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if !core.IsUUID(in.ProjectID) {
		return nil, &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}

	if existing, err := c.store.GetProject(ctx, in.ProjectID); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	if err := c.disk.CreateVolume(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	row := &core.ProjectRow{
		ProjectID: in.ProjectID,
		Title:     in.Title,
		HostID:    c.hostID,
		State:     &core.ProjectState{State: core.StateOpened},
		Users:     in.Users,
	}
	if err := c.store.PutProject(ctx, row); err != nil {
		return nil, err
	}
	// Mint the secret token now so a start cannot fail on it later.
	if _, err := c.store.SecretToken(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	c.acl.Flush()
	c.log.Info("created project", "project_id", in.ProjectID)
	return row, nil
}

func (c *Control) startProject(ctx context.Context, req *conat.Request) (any, error) {
	row, err := c.project(ctx, req)
	if err != nil {
		return nil, err
	}
	state, err := c.cli.State(ctx, row.ProjectID)
	switch {
	case err == nil && state.Running:
	case err == nil:
		if err := c.cli.Start(ctx, row.ProjectID); err != nil {
			return nil, err
		}
	case isNotFound(err):
		spec, err := c.runSpec(ctx, row)
		if err != nil {
			return nil, err
		}
		if err := c.cli.Run(ctx, spec); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if err := c.store.SetProjectState(ctx, row.ProjectID, core.StateRunning); err != nil {
		return nil, err
	}
	c.log.Info("started project", "project_id", row.ProjectID)
	return stateResponse{ProjectID: row.ProjectID, State: core.StateRunning}, nil
}

func (c *Control) stopProject(ctx context.Context, req *conat.Request) (any, error) {
	row, err := c.project(ctx, req)
	if err != nil {
		return nil, err
	}
	state, err := c.cli.State(ctx, row.ProjectID)
	switch {
	case err == nil && state.Running:
		if err := c.cli.Stop(ctx, row.ProjectID); err != nil {
			return nil, err
		}
	case err == nil || isNotFound(err):
	default:
		return nil, err
	}
	if err := c.store.SetProjectState(ctx, row.ProjectID, core.StateStopped); err != nil {
		return nil, err
	}
	c.log.Info("stopped project", "project_id", row.ProjectID)
	return stateResponse{ProjectID: row.ProjectID, State: core.StateStopped}, nil
}

// deleteProjectData tears the project down completely: container,
// subvolume, local row. Idempotent so the master can retry it.
func (c *Control) deleteProjectData(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in projectRef
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if !core.IsUUID(in.ProjectID) {
		return nil, &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}
	if err := c.cli.Remove(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	if err := c.disk.DeleteVolume(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	if err := c.store.DeleteProject(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	c.acl.Flush()
	c.log.Info("deleted project data", "project_id", in.ProjectID)
	return stateResponse{ProjectID: in.ProjectID, State: core.StateDeleted}, nil
}

type authorizedKeysRequest struct {
	ProjectID      string `json:"project_id"`
	AuthorizedKeys string `json:"authorized_keys"`
}

// updateAuthorizedKeys rewrites the project's SSH authorized_keys.
// An empty payload revokes all keys.
func (c *Control) updateAuthorizedKeys(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in authorizedKeysRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if !core.IsUUID(in.ProjectID) {
		return nil, &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}
	if _, err := c.store.GetProject(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	sshDir := filepath.Join(c.disk.ProjectPath(in.ProjectID), ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return nil, fmt.Errorf("create .ssh for project %s: %w", in.ProjectID, err)
	}
	path := filepath.Join(sshDir, "authorized_keys")
	if err := os.WriteFile(path, []byte(in.AuthorizedKeys), 0o600); err != nil {
		return nil, fmt.Errorf("write authorized_keys for project %s: %w", in.ProjectID, err)
	}
	return controlAck{OK: true}, nil
}

type projectUsersRequest struct {
	ProjectID string                      `json:"project_id"`
	Users     map[string]core.ProjectUser `json:"users"`
}

func (c *Control) updateProjectUsers(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in projectUsersRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if !core.IsUUID(in.ProjectID) {
		return nil, &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}
	row, err := c.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetProjectUsers(ctx, in.ProjectID, in.Users); err != nil {
		return nil, err
	}
	// Membership changed; revoked collaborators must lose cached
	// verdicts now, not at TTL expiry.
	c.acl.Flush()
	row.Users = in.Users
	return row, nil
}

type growDiskRequest struct {
	ProjectID string `json:"project_id"`
	SizeGB    int64  `json:"size_gb"`
}

func (c *Control) growDisk(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in growDiskRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if !core.IsUUID(in.ProjectID) {
		return nil, &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}
	if in.SizeGB <= 0 {
		return nil, &core.ErrInvalidInput{Field: "size_gb", Message: "must be positive"}
	}
	if _, err := c.store.GetProject(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	if err := c.disk.Grow(ctx, in.ProjectID, in.SizeGB<<30); err != nil {
		return nil, err
	}
	return controlAck{OK: true}, nil
}

type upgradeRequest struct {
	Version string `json:"version"`
}

type upgradeResult struct {
	Image  string `json:"image"`
	Marker string `json:"marker"`
}

// upgradeSoftware validates the target version and hands the pull to
// an operation; the reply carries the operation summary for polling.
func (c *Control) upgradeSoftware(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in upgradeRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	target, err := semver.NewVersion(in.Version)
	if err != nil {
		return nil, &core.ErrInvalidInput{Field: "version", Message: fmt.Sprintf("%q is not a semantic version", in.Version)}
	}
	if current, err := semver.NewVersion(c.version); err == nil && !target.GreaterThan(current) {
		return nil, &core.ErrInvalidInput{Field: "version",
			Message: fmt.Sprintf("target %s does not advance running version %s", target, current)}
	}
	return c.ops.Submit(ctx, lro.SubmitRequest{
		Kind:      KindUpgradeSoftware,
		Scope:     lro.Scope{Type: lro.ScopeHost, ID: c.hostID},
		Input:     in,
		CreatedBy: "hub",
		Owner:     lro.Scope{Type: lro.ScopeHub, ID: "hub"},
	})
}

// runUpgrade pulls the target image and stages the restart marker the
// process supervisor watches for.
func (c *Control) runUpgrade(ctx context.Context, h *lro.Handle) (any, error) {
	var in upgradeRequest
	switch v := h.Input().(type) {
	case upgradeRequest:
		in = v
	case json.RawMessage:
		if err := json.Unmarshal(v, &in); err != nil {
			return nil, &core.ErrInvalidInput{Field: "input", Message: err.Error()}
		}
	default:
		return nil, &core.ErrInvalidInput{Field: "input", Message: "malformed upgrade input"}
	}
	if c.image == "" {
		return nil, errors.New("no workspace image configured")
	}
	image := retagImage(c.image, in.Version)
	h.Progress("pulling " + image)
	if err := c.cli.Pull(ctx, image); err != nil {
		return nil, err
	}
	h.Progress("staging restart")
	marker := filepath.Join(c.dataDir, restartMarker)
	if err := os.WriteFile(marker, []byte(in.Version+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write restart marker: %w", err)
	}
	c.log.Info("upgrade staged", "image", image)
	return upgradeResult{Image: image, Marker: marker}, nil
}

type lroSubmitRequest struct {
	Kind      string          `json:"kind"`
	ScopeType string          `json:"scope_type"`
	ScopeID   string          `json:"scope_id"`
	Input     json.RawMessage `json:"input,omitempty"`
}

func (c *Control) lroSubmit(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in lroSubmitRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	return c.ops.Submit(ctx, lro.SubmitRequest{
		Kind:      in.Kind,
		Scope:     lro.Scope{Type: lro.ScopeType(in.ScopeType), ID: in.ScopeID},
		Input:     in.Input,
		CreatedBy: "hub",
		Owner:     lro.Scope{Type: lro.ScopeHub, ID: "hub"},
	})
}

type opRef struct {
	OpID string `json:"op_id"`
}

func (c *Control) lroGet(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in opRef
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	return c.ops.Get(in.OpID)
}

func (c *Control) lroCancel(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in opRef
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if err := c.ops.Cancel(in.OpID); err != nil {
		return nil, err
	}
	return controlAck{OK: true}, nil
}

type lroListRequest struct {
	ScopeType        string `json:"scope_type"`
	ScopeID          string `json:"scope_id"`
	IncludeCompleted bool   `json:"include_completed"`
}

func (c *Control) lroList(ctx context.Context, req *conat.Request) (any, error) {
	if err := c.guard(req); err != nil {
		return nil, err
	}
	var in lroListRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	scope := lro.Scope{Type: lro.ScopeType(in.ScopeType), ID: in.ScopeID}
	return c.ops.List(scope, in.IncludeCompleted), nil
}

// runSpec assembles the container for a project: subvolume home, the
// project's bus credentials in the environment, and the owner's codex
// credential directory when one is configured.
func (c *Control) runSpec(ctx context.Context, p *core.ProjectRow) (runtime.RunSpec, error) {
	if c.image == "" {
		return runtime.RunSpec{}, errors.New("no workspace image configured")
	}
	secret, err := c.store.SecretToken(ctx, p.ProjectID)
	if err != nil {
		return runtime.RunSpec{}, err
	}
	spec := runtime.RunSpec{
		ProjectID: p.ProjectID,
		Image:     c.image,
		Hostname:  runtime.ContainerName(p.ProjectID),
		Env: map[string]string{
			"COCALC_PROJECT_ID":   p.ProjectID,
			"COCALC_SECRET_TOKEN": secret,
		},
		Mounts: []runtime.Mount{{
			Type:        "bind",
			Source:      c.disk.ProjectPath(p.ProjectID),
			Destination: workspaceHome,
		}},
	}
	if c.codexRoot != "" {
		if owner := p.Owner(); owner != "" {
			dir := filepath.Join(c.codexRoot, owner)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return runtime.RunSpec{}, fmt.Errorf("create codex mount for %s: %w", owner, err)
			}
			spec.Mounts = append(spec.Mounts, runtime.Mount{
				Type:        "bind",
				Source:      dir,
				Destination: codex.MountDestination,
			})
		}
	}
	return spec, nil
}

// retagImage swaps the image tag for the target version, leaving
// registry ports alone.
func retagImage(image, version string) string {
	base := image
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		base = image[:i]
	}
	return base + ":" + version
}

func isNotFound(err error) bool {
	var nf *core.ErrNotFound
	return errors.As(err, &nf)
}
