package core

import "time"

// Project user groups that grant collaborator access.
const (
	GroupOwner        = "owner"
	GroupCollaborator = "collaborator"
)

// Project lifecycle states as recorded in the local row.
const (
	StateOpened  = "opened"
	StateRunning = "running"
	StateStopped = "stopped"
	StateDeleted = "deleted"
)

// ProjectUser is an account's membership entry on a project.
type ProjectUser struct {
	Group string `json:"group"`
}

// ProjectState is the container lifecycle state as last reported by
// the runtime ("opened", "running", "stopped", ...).
type ProjectState struct {
	State string `json:"state"`
}

// ProjectRow is the host's local row for a workspace. The project's
// secret token is deliberately not part of this struct; it is stored
// separately and never leaves the host.
type ProjectRow struct {
	ProjectID  string                 `json:"project_id"`
	Title      string                 `json:"title,omitempty"`
	HostID     string                 `json:"host_id,omitempty"`
	State      *ProjectState          `json:"state,omitempty"`
	LastEdited *time.Time             `json:"last_edited,omitempty"`
	Deleted    bool                   `json:"deleted,omitempty"`
	DeletedAt  *time.Time             `json:"deleted_at,omitempty"`
	Users      map[string]ProjectUser `json:"users,omitempty"`
}

// Owner returns the account holding the owner group, or "".
func (p *ProjectRow) Owner() string {
	for id, u := range p.Users {
		if u.Group == GroupOwner {
			return id
		}
	}
	return ""
}

// VisibleTo reports whether the account may act on this project:
// either its users entry carries a collaborator group, or the account
// ID equals the project ID (the project-identity self-access used by
// workspace processes).
func (p *ProjectRow) VisibleTo(accountID string) bool {
	if accountID == p.ProjectID {
		return true
	}
	u, ok := p.Users[accountID]
	if !ok {
		return false
	}
	return u.Group == GroupOwner || u.Group == GroupCollaborator
}
