package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sagemathinc/project-host/internal/core"
)

// Compile-time check: the store is the process's collaborator source.
var _ core.CollaboratorSource = (*Store)(nil)

// PutProject inserts or replaces a project row.
func (s *Store) PutProject(ctx context.Context, p *core.ProjectRow) error {
	if !core.IsUUID(p.ProjectID) {
		return &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project %s: %w", p.ProjectID, err)
	}
	return s.put(ctx, nsProjects, p.ProjectID, string(data))
}

// GetProject loads a project row by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*core.ProjectRow, error) {
	raw, ok, err := s.get(ctx, nsProjects, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &core.ErrNotFound{Resource: "project", ID: projectID}
	}
	var p core.ProjectRow
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal project %s: %w", projectID, err)
	}
	return &p, nil
}

// ListProjects returns all project rows on this host.
func (s *Store) ListProjects(ctx context.Context) ([]*core.ProjectRow, error) {
	raws, err := s.list(ctx, nsProjects)
	if err != nil {
		return nil, err
	}
	out := make([]*core.ProjectRow, 0, len(raws))
	for id, raw := range raws {
		var p core.ProjectRow
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal project %s: %w", id, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// DeleteProject removes a project row and its secret token.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.delete(ctx, nsProjects, projectID); err != nil {
		return err
	}
	return s.delete(ctx, nsSecrets, projectID)
}

// SetProjectUsers replaces the membership map of a project.
func (s *Store) SetProjectUsers(ctx context.Context, projectID string, users map[string]core.ProjectUser) error {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	p.Users = users
	return s.PutProject(ctx, p)
}

// SetProjectState updates the cached runtime state of a project.
func (s *Store) SetProjectState(ctx context.Context, projectID, state string) error {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	p.State = &core.ProjectState{State: state}
	return s.PutProject(ctx, p)
}

// SecretToken returns the project's secret token, generating and
// persisting one on first read. The token authenticates workspace
// processes to the local bus and never leaves the host.
func (s *Store) SecretToken(ctx context.Context, projectID string) (string, error) {
	if !core.IsUUID(projectID) {
		return "", &core.ErrInvalidInput{Field: "project_id", Message: "not a UUID"}
	}

	token, ok, err := s.get(ctx, nsSecrets, projectID)
	if err != nil {
		return "", err
	}
	if ok {
		return token, nil
	}

	fresh, err := generateSecret()
	if err != nil {
		return "", err
	}
	if _, err := s.putIfAbsent(ctx, nsSecrets, projectID, fresh); err != nil {
		return "", err
	}
	// Re-read: a concurrent generator may have won the insert.
	token, _, err = s.get(ctx, nsSecrets, projectID)
	return token, err
}

// IsCollaborator implements core.CollaboratorSource. A missing project
// is a definitive deny, not an error.
func (s *Store) IsCollaborator(ctx context.Context, accountID, projectID string) (bool, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		var notFound *core.ErrNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return p.VisibleTo(accountID), nil
}

// generateSecret returns a 256-bit base64url secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
