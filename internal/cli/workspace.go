package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sagemathinc/project-host/internal/core"
)

// ContextFile pins a directory tree to one workspace, the way .git
// pins a tree to a repository.
const ContextFile = ".cocalc-workspace"

// ErrNoWorkspace means no context file was found in the directory or
// any of its parents.
var ErrNoWorkspace = errors.New("no workspace context found")

// WorkspaceContext is the parsed contents of a context file.
type WorkspaceContext struct {
	WorkspaceID string     `json:"workspace_id"`
	Title       string     `json:"title,omitempty"`
	SetAt       *time.Time `json:"set_at,omitempty"`
}

// ParseWorkspaceContext decodes a context file. Both the JSON form
// and a bare workspace UUID are accepted.
func ParseWorkspaceContext(data []byte) (WorkspaceContext, error) {
	trimmed := strings.TrimSpace(string(data))
	if core.IsUUID(trimmed) {
		return WorkspaceContext{WorkspaceID: trimmed}, nil
	}
	var wc WorkspaceContext
	if err := json.Unmarshal(data, &wc); err != nil {
		return WorkspaceContext{}, fmt.Errorf("parse workspace context: %w", err)
	}
	if !core.IsUUID(wc.WorkspaceID) {
		return WorkspaceContext{}, fmt.Errorf("workspace context: %q is not a workspace id", wc.WorkspaceID)
	}
	return wc, nil
}

// FindWorkspaceContext searches dir and its parents for a context
// file and returns the parsed context and the file it came from.
func FindWorkspaceContext(dir string) (WorkspaceContext, string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return WorkspaceContext{}, "", err
	}
	for {
		path := filepath.Join(dir, ContextFile)
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			wc, err := ParseWorkspaceContext(data)
			if err != nil {
				return WorkspaceContext{}, path, fmt.Errorf("%s: %w", path, err)
			}
			return wc, path, nil
		case !errors.Is(err, fs.ErrNotExist):
			return WorkspaceContext{}, path, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return WorkspaceContext{}, "", ErrNoWorkspace
		}
		dir = parent
	}
}

// WriteWorkspaceContext pins dir to a workspace, stamping set_at when
// the caller left it unset.
func WriteWorkspaceContext(dir string, wc WorkspaceContext) error {
	if !core.IsUUID(wc.WorkspaceID) {
		return fmt.Errorf("workspace context: %q is not a workspace id", wc.WorkspaceID)
	}
	if wc.SetAt == nil {
		now := time.Now().UTC().Truncate(time.Second)
		wc.SetAt = &now
	}
	data, err := json.MarshalIndent(wc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(filepath.Join(dir, ContextFile), data, 0o644)
}
