// Package fsserve answers project.<id>.fs.api: file operations against
// the project volume on behalf of collaborators, the workspace itself,
// and the hub. Every path is confined to the volume, including through
// symlinks, and every read is byte-capped so a reply always fits a bus
// frame.
package fsserve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
)

const (
	defaultCatLimit    = 1 << 20
	defaultGetLimit    = 4 << 20
	defaultSearchLimit = 512 << 10
	defaultSearchTime  = time.Minute

	stderrLimit = 4 << 10
)

// Search binaries. Both refuse to follow symlinks by default, which
// keeps their traversal inside the volume.
const (
	rgBin = "rg"
	fdBin = "fd"
)

// Volumes locates a project's files on the host. *runtime.Disk
// satisfies it.
type Volumes interface {
	ProjectPath(projectID string) string
}

// Leaser keeps a workspace warm while an operation touches it.
// *runtime.Leases satisfies it.
type Leaser interface {
	Acquire(key string) (release func())
}

// runFunc executes argv in dir with stdout capped at limit bytes.
// Splitting it out keeps process spawning out of the service tests.
type runFunc func(ctx context.Context, dir string, argv []string, limit int) (out, errOut []byte, truncated bool, exit int, err error)

// ServiceOption configures the file service.
type ServiceOption func(*Service)

// WithCatLimit caps cat responses.
func WithCatLimit(n int) ServiceOption {
	return func(s *Service) { s.catLimit = n }
}

// WithGetLimit caps get responses and put payloads.
func WithGetLimit(n int) ServiceOption {
	return func(s *Service) { s.getLimit = n }
}

// WithSearchLimit caps rg and fd output.
func WithSearchLimit(n int) ServiceOption {
	return func(s *Service) { s.searchLimit = n }
}

// WithSearchTimeout bounds a single rg or fd run.
func WithSearchTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.searchTimeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// Service is the project file service.
type Service struct {
	vols   Volumes
	leases Leaser
	run    runFunc

	catLimit      int
	getLimit      int
	searchLimit   int
	searchTimeout time.Duration
	log           *slog.Logger
}

// NewService builds the file service over the volume layout.
func NewService(vols Volumes, leases Leaser, opts ...ServiceOption) (*Service, error) {
	if vols == nil || leases == nil {
		return nil, errors.New("fsserve: volumes and leases are required")
	}
	s := &Service{
		vols:          vols,
		leases:        leases,
		run:           execCapped,
		catLimit:      defaultCatLimit,
		getLimit:      defaultGetLimit,
		searchLimit:   defaultSearchLimit,
		searchTimeout: defaultSearchTime,
		log:           slog.Default().With("component", "fs"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Definition binds the handlers under the project wildcard. The serving
// client signs in as hub; the bus ACL has already restricted account
// callers to collaborators of the addressed project.
func (s *Service) Definition() *conat.Service {
	return conat.NewService(conat.ProjectSubject("*", "fs", "api")).
		Handle("list", s.list).
		Handle("cat", s.cat).
		Handle("put", s.put).
		Handle("get", s.get).
		Handle("rm", s.rm).
		Handle("mkdir", s.mkdir).
		Handle("rg", s.rg).
		Handle("fd", s.fd)
}

// workspace authorizes the call, takes a lease on the project and opens
// its volume root. Callers release and close both.
func (s *Service) workspace(req *conat.Request) (projectID string, release func(), root *os.Root, err error) {
	projectID, ok := conat.ProjectFromSubject(req.Subject)
	if !ok {
		return "", nil, nil, &core.ErrInvalidInput{Field: "subject", Message: "missing project id"}
	}
	switch req.Caller.Type {
	case core.UserHub, core.UserAccount:
	case core.UserProject:
		if req.Caller.ID != projectID {
			return "", nil, nil, &core.PolicyError{Identity: req.Caller, Subject: req.Subject}
		}
	default:
		return "", nil, nil, &core.PolicyError{Identity: req.Caller, Subject: req.Subject}
	}

	release = s.leases.Acquire(projectID)
	root, err = os.OpenRoot(s.vols.ProjectPath(projectID))
	if err != nil {
		release()
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, nil, &core.ErrNotFound{Resource: "project volume", ID: projectID}
		}
		return "", nil, nil, err
	}
	return projectID, release, root, nil
}

type pathRequest struct {
	Path string `json:"path,omitempty"`
}

type listEntry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	IsDir   bool   `json:"is_dir"`
	MtimeMS int64  `json:"mtime_ms"`
}

type listResponse struct {
	Path    string      `json:"path"`
	Entries []listEntry `json:"entries"`
}

func (s *Service) list(ctx context.Context, req *conat.Request) (any, error) {
	var in pathRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	rel, err := cleanPath(in.Path)
	if err != nil {
		return nil, err
	}
	_, release, root, err := s.workspace(req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer root.Close()

	entries, err := fs.ReadDir(root.FS(), rel)
	if err != nil {
		return nil, mapPathErr(err, rel)
	}
	resp := listResponse{Path: rel, Entries: []listEntry{}}
	for _, de := range entries {
		fi, err := de.Info()
		if err != nil {
			// Removed between readdir and stat.
			continue
		}
		resp.Entries = append(resp.Entries, listEntry{
			Name:    de.Name(),
			Size:    fi.Size(),
			Mode:    fi.Mode().String(),
			IsDir:   de.IsDir(),
			MtimeMS: fi.ModTime().UnixMilli(),
		})
	}
	return resp, nil
}

type fileResponse struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

func (s *Service) cat(ctx context.Context, req *conat.Request) (any, error) {
	return s.read(req, s.catLimit)
}

func (s *Service) get(ctx context.Context, req *conat.Request) (any, error) {
	return s.read(req, s.getLimit)
}

func (s *Service) read(req *conat.Request, limit int) (any, error) {
	var in pathRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	rel, err := filePath(in.Path)
	if err != nil {
		return nil, err
	}
	_, release, root, err := s.workspace(req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		return nil, mapPathErr(err, rel)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, mapPathErr(err, rel)
	}
	if fi.IsDir() {
		return nil, &core.ErrInvalidInput{Field: "path", Message: rel + " is a directory"}
	}
	if fi.Size() > int64(limit) {
		return nil, &core.ErrTruncated{What: "file " + rel, Limit: limit}
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return fileResponse{Path: rel, Content: content}, nil
}

type putRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type fsAck struct {
	OK bool `json:"ok"`
}

func (s *Service) put(ctx context.Context, req *conat.Request) (any, error) {
	var in putRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	rel, err := filePath(in.Path)
	if err != nil {
		return nil, err
	}
	if len(in.Content) > s.getLimit {
		return nil, &core.ErrInvalidInput{Field: "content",
			Message: fmt.Sprintf("exceeds %d bytes", s.getLimit)}
	}
	projectID, release, root, err := s.workspace(req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer root.Close()

	if parent := path.Dir(rel); parent != "." {
		if err := root.MkdirAll(parent, 0o755); err != nil {
			return nil, mapPathErr(err, rel)
		}
	}
	if err := root.WriteFile(rel, in.Content, 0o644); err != nil {
		return nil, mapPathErr(err, rel)
	}
	s.log.Debug("wrote file", "project_id", projectID, "path", rel, "bytes", len(in.Content))
	return fsAck{OK: true}, nil
}

type rmRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

func (s *Service) rm(ctx context.Context, req *conat.Request) (any, error) {
	var in rmRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	rel, err := filePath(in.Path)
	if err != nil {
		return nil, err
	}
	_, release, root, err := s.workspace(req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer root.Close()

	if in.Recursive {
		err = root.RemoveAll(rel)
	} else {
		err = root.Remove(rel)
	}
	if err != nil {
		return nil, mapPathErr(err, rel)
	}
	return fsAck{OK: true}, nil
}

func (s *Service) mkdir(ctx context.Context, req *conat.Request) (any, error) {
	var in pathRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	rel, err := filePath(in.Path)
	if err != nil {
		return nil, err
	}
	_, release, root, err := s.workspace(req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer root.Close()

	if err := root.MkdirAll(rel, 0o755); err != nil {
		return nil, mapPathErr(err, rel)
	}
	return fsAck{OK: true}, nil
}

type searchRequest struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

type searchResponse struct {
	Output string `json:"output"`
	Exit   int    `json:"exit"`
}

func (s *Service) rg(ctx context.Context, req *conat.Request) (any, error) {
	// rg exits 1 on no match, which is a valid empty result.
	return s.search(ctx, req, func(pattern, rel string) []string {
		return []string{rgBin, "--color=never", "--line-number", "--no-heading", "--", pattern, rel}
	}, 1)
}

func (s *Service) fd(ctx context.Context, req *conat.Request) (any, error) {
	return s.search(ctx, req, func(pattern, rel string) []string {
		return []string{fdBin, "--color=never", "--", pattern, rel}
	}, 0)
}

func (s *Service) search(ctx context.Context, req *conat.Request, argv func(pattern, rel string) []string, maxOKExit int) (any, error) {
	var in searchRequest
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if in.Pattern == "" {
		return nil, &core.ErrInvalidInput{Field: "pattern", Message: "required"}
	}
	rel, err := cleanPath(in.Path)
	if err != nil {
		return nil, err
	}
	projectID, release, root, err := s.workspace(req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer root.Close()

	// Resolving through the root rejects start paths that symlink out
	// of the volume; the tools themselves do not follow links.
	if _, err := root.Stat(rel); err != nil {
		return nil, mapPathErr(err, rel)
	}

	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()
	out, errOut, truncated, exit, err := s.run(ctx, s.vols.ProjectPath(projectID), argv(in.Pattern, rel), s.searchLimit)
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if truncated {
		return nil, &core.ErrTruncated{What: "search output", Limit: s.searchLimit}
	}
	if exit > maxOKExit || exit < 0 {
		return nil, &core.ErrInvalidInput{Field: "pattern", Message: firstLine(errOut)}
	}
	return searchResponse{Output: string(out), Exit: exit}, nil
}

// cleanPath normalizes a volume-relative path. Empty means the volume
// root.
func cleanPath(p string) (string, error) {
	if p == "" || p == "." {
		return ".", nil
	}
	if strings.HasPrefix(p, "/") {
		return "", &core.ErrInvalidInput{Field: "path", Message: "must be relative to the project"}
	}
	clean := path.Clean(p)
	if clean == "." {
		return ".", nil
	}
	if !filepath.IsLocal(clean) {
		return "", &core.ErrInvalidInput{Field: "path", Message: "escapes the project"}
	}
	return clean, nil
}

// filePath is cleanPath for operations that cannot target the volume
// root itself.
func filePath(p string) (string, error) {
	rel, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", &core.ErrInvalidInput{Field: "path", Message: "required"}
	}
	return rel, nil
}

// mapPathErr turns filesystem errors into wire-coded ones. os.Root
// reports confinement violations as path errors, which callers should
// see as invalid input rather than internal failures.
func mapPathErr(err error, rel string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &core.ErrNotFound{Resource: "path", ID: rel}
	}
	var pe *fs.PathError
	if errors.As(err, &pe) && strings.Contains(pe.Err.Error(), "escapes from parent") {
		return &core.ErrInvalidInput{Field: "path", Message: "escapes the project"}
	}
	return err
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(b), []byte("\n"))
	return string(line)
}

var errOutputCap = errors.New("output cap reached")

// capBuffer accepts writes up to limit, then fails so the producing
// process is torn down instead of drained.
type capBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room <= 0 {
		b.truncated = true
		return 0, errOutputCap
	}
	if len(p) > room {
		b.Buffer.Write(p[:room])
		b.truncated = true
		return room, errOutputCap
	}
	return b.Buffer.Write(p)
}

func execCapped(ctx context.Context, dir string, argv []string, limit int) ([]byte, []byte, bool, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	stdout := &capBuffer{limit: limit}
	stderr := &capBuffer{limit: stderrLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if stdout.truncated {
		return stdout.Bytes(), stderr.Bytes(), true, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), false, exitErr.ExitCode(), nil
	}
	if err != nil {
		return nil, nil, false, 0, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return stdout.Bytes(), stderr.Bytes(), false, 0, nil
}
