package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Disk is the btrfs adapter: one subvolume per project under the
// projects root, quota-limited with qgroups.
type Disk struct {
	btrfs   string
	root    string
	timeout time.Duration
	log     *slog.Logger
	run     commandRunner
}

// DiskOption configures the adapter.
type DiskOption func(*Disk)

// WithBtrfsPath overrides the btrfs binary path.
func WithBtrfsPath(path string) DiskOption {
	return func(d *Disk) { d.btrfs = path }
}

// WithDiskLogger overrides the default logger.
func WithDiskLogger(log *slog.Logger) DiskOption {
	return func(d *Disk) { d.log = log }
}

// NewDisk returns a btrfs adapter rooted at the projects directory.
func NewDisk(root string, opts ...DiskOption) *Disk {
	d := &Disk{
		btrfs:   "btrfs",
		root:    root,
		timeout: defaultCommandTimeout,
		log:     slog.Default().With("component", "disk"),
		run:     execCommandRunner{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Disk) output(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	d.log.Debug("btrfs", "args", strings.Join(args, " "))
	return d.run.output(ctx, d.btrfs, args)
}

// ProjectPath is the subvolume path backing a project's home.
func (d *Disk) ProjectPath(projectID string) string {
	return filepath.Join(d.root, projectID)
}

// CreateVolume creates the project subvolume. Creating an existing
// volume is a no-op; project creation must be idempotent.
func (d *Disk) CreateVolume(ctx context.Context, projectID string) error {
	_, err := d.output(ctx, "subvolume", "create", d.ProjectPath(projectID))
	if err != nil && !strings.Contains(err.Error(), "File exists") {
		return fmt.Errorf("create subvolume for project %s: %w", projectID, err)
	}
	return nil
}

// DeleteVolume removes the project subvolume and everything in it.
// Deleting an absent volume is a no-op.
func (d *Disk) DeleteVolume(ctx context.Context, projectID string) error {
	_, err := d.output(ctx, "subvolume", "delete", d.ProjectPath(projectID))
	if err != nil && !strings.Contains(err.Error(), "No such file or directory") {
		return fmt.Errorf("delete subvolume for project %s: %w", projectID, err)
	}
	return nil
}

// Grow raises the project's quota limit to sizeBytes.
func (d *Disk) Grow(ctx context.Context, projectID string, sizeBytes int64) error {
	if _, err := d.output(ctx, "qgroup", "limit",
		strconv.FormatInt(sizeBytes, 10), d.ProjectPath(projectID)); err != nil {
		return fmt.Errorf("grow disk for project %s: %w", projectID, err)
	}
	return nil
}
