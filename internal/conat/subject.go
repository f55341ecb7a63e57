// Package conat implements the host's message bus: a websocket frame
// protocol with NATS-style subjects, a server that authenticates every
// connection and checks each operation against the subject ACL, a
// client used both in-process and against the master, and a small
// method-dispatch service layer on top of request/reply.
package conat

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sagemathinc/project-host/internal/core"
)

// Well-known subjects. The hub.* namespace exists on the master bus;
// the host consumes it as a client.
const (
	HubHostsSubject            = "hub.hosts.api"
	HubAuthRegistrySubject     = "hub.authRegistry.api"
	KeyBroadcastSubject        = "hub.keys.project-host-auth"
	RevocationBroadcastSubject = "hub.revocations.accounts"
)

// HostAPISubject is the control-service subject the master calls on
// the host bus. Hub-only under the ACL.
func HostAPISubject(hostID string) string {
	return "hosts." + hostID + ".api"
}

// ProjectSubject builds "project.<id>.<part>...".
func ProjectSubject(projectID string, parts ...string) string {
	return "project." + projectID + "." + strings.Join(parts, ".")
}

// NewInbox returns a fresh reply subject under the identity's bound
// inbox prefix.
func NewInbox(id core.Identity) string {
	return id.InboxPrefix() + uuid.NewString()
}

// ProjectFromSubject extracts the project id from a
// "project.<id>.…" subject. Services subscribed on a wildcard
// pattern use it to recover which project a call addressed.
func ProjectFromSubject(subject string) (string, bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 3 || parts[0] != "project" || !core.IsUUID(parts[1]) {
		return "", false
	}
	return parts[1], true
}

// CallerFromInbox recovers the identity that owns an inbox subject.
// Inbox prefixes are bound server-side at sign-in, so a reply subject
// names its owner trustworthily.
func CallerFromInbox(inbox string) (core.Identity, bool) {
	rest, ok := strings.CutPrefix(inbox, "_INBOX.")
	if !ok {
		return core.Identity{}, false
	}
	name, _, ok := strings.Cut(rest, ".")
	if !ok {
		return core.Identity{}, false
	}
	id, err := core.ParseIdentity(name)
	if err != nil {
		return core.Identity{}, false
	}
	return id, true
}

// ValidSubject reports whether s is a well-formed concrete or pattern
// subject: non-empty dot-separated tokens, '>' only in final position.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		if tok == "" {
			return false
		}
		if tok == ">" && i != len(tokens)-1 {
			return false
		}
	}
	return true
}

// SubjectMatches reports whether a concrete subject matches a
// subscription pattern. '*' matches exactly one token, '>' matches one
// or more trailing tokens.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
