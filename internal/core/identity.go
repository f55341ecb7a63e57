// Package core holds the project-host domain: identities, project
// rows, the subject ACL, token and session primitives, and the typed
// errors shared by every subsystem. It has no transport or storage
// dependencies; those layers plug in through the small interfaces
// declared here.
package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UserType discriminates the identities a bus connection can hold
// after sign-in.
type UserType string

const (
	// UserHub is an internal service authenticated with the local
	// conat password. It bypasses all subject checks.
	UserHub UserType = "hub"
	// UserAccount is an end user authenticated with a routed
	// project-host token.
	UserAccount UserType = "account"
	// UserProject is a workspace process authenticated with the
	// project's secret token.
	UserProject UserType = "project"
	// UserHost is this node's own identity on the master bus. Hosts
	// never sign in to the local bus, so the local ACL grants them
	// nothing beyond their inbox.
	UserHost UserType = "host"
)

// Identity is the authenticated principal bound to a bus connection.
// For accounts and projects ID is the owning UUID; for hub it is empty.
type Identity struct {
	Type UserType
	ID   string
}

// Hub returns the internal-service identity.
func Hub() Identity { return Identity{Type: UserHub} }

// Account returns the identity of the given account.
func Account(id string) Identity { return Identity{Type: UserAccount, ID: id} }

// Project returns the identity of the given project.
func Project(id string) Identity { return Identity{Type: UserProject, ID: id} }

// Host returns the identity a project host presents to the master.
func Host(id string) Identity { return Identity{Type: UserHost, ID: id} }

// Valid reports whether the identity is well formed: hub carries no
// ID, everything else carries a UUID.
func (i Identity) Valid() bool {
	switch i.Type {
	case UserHub:
		return i.ID == ""
	case UserAccount, UserProject, UserHost:
		return IsUUID(i.ID)
	default:
		return false
	}
}

// String renders the identity as it appears in subjects and inbox
// prefixes: "hub", or "<type>-<uuid>" for everything else.
func (i Identity) String() string {
	if i.Type == UserHub {
		return "hub"
	}
	return fmt.Sprintf("%s-%s", i.Type, i.ID)
}

// InboxPrefix returns the reply-subject prefix owned by this identity.
// The bus server binds it at sign-in so replies cannot be routed to a
// different principal.
func (i Identity) InboxPrefix() string {
	return "_INBOX." + i.String() + "."
}

// ParseIdentity inverts String.
func ParseIdentity(s string) (Identity, error) {
	if s == "hub" {
		return Hub(), nil
	}
	for _, t := range []UserType{UserAccount, UserProject, UserHost} {
		prefix := string(t) + "-"
		if id, ok := strings.CutPrefix(s, prefix); ok && IsUUID(id) {
			return Identity{Type: t, ID: id}, nil
		}
	}
	return Identity{}, fmt.Errorf("malformed identity %q", s)
}

// IsUUID reports whether s parses as a UUID. Identifier validation is
// centralised here so every subsystem rejects malformed IDs the same
// way.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
