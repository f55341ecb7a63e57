package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Op is the kind of bus access being authorized.
type Op string

const (
	OpPub     Op = "pub"
	OpSub     Op = "sub"
	OpRequest Op = "req"
)

// Cache sizing for authorization decisions. Decisions are cheap to
// recompute, so the caches favour small TTLs over invalidation
// plumbing; a project-membership change is visible within 30 s.
const (
	decisionTTL     = 60 * time.Second
	decisionMax     = 20_000
	collaboratorTTL = 30 * time.Second
	collaboratorMax = 50_000
)

// collaboratorFetchTimeout bounds a cache-miss membership lookup. The
// fetch runs on a non-cancellable context so one caller's cancellation
// does not fail all singleflight waiters.
const collaboratorFetchTimeout = 10 * time.Second

// CollaboratorSource answers whether an account is an owner or
// collaborator on a project. Implementations live in the storage
// layer.
type CollaboratorSource interface {
	IsCollaborator(ctx context.Context, accountID, projectID string) (bool, error)
}

// Authorizer is the subject-level ACL for bus traffic. Rules:
//
//  1. hub may do anything.
//  2. An identity may use its own inbox and publish its own heartbeat.
//  3. account(A) may use subjects scoped to account A, and subjects
//     scoped to a project A collaborates on.
//  4. project(P) may use subjects scoped to project P.
//
// Everything else, including hub.* and hosts.*, is denied to
// non-hub identities.
type Authorizer struct {
	collaborators CollaboratorSource

	mu        sync.RWMutex
	decisions map[string]*decisionEntry
	members   map[string]*memberEntry
	flights   singleflight.Group
}

type decisionEntry struct {
	allowed   bool
	expiresAt time.Time
}

type memberEntry struct {
	member    bool
	expiresAt time.Time
}

// NewAuthorizer returns an Authorizer backed by the given membership
// source.
func NewAuthorizer(collaborators CollaboratorSource) *Authorizer {
	return &Authorizer{
		collaborators: collaborators,
		decisions:     make(map[string]*decisionEntry),
		members:       make(map[string]*memberEntry),
	}
}

// Allowed reports whether the identity may perform op on subject.
// Lookup failures deny without caching, so a flaky membership source
// produces transient denials rather than a sticky verdict.
func (a *Authorizer) Allowed(ctx context.Context, id Identity, op Op, subject string) bool {
	if id.Type == UserHub {
		return true
	}
	if !id.Valid() || subject == "" {
		return false
	}

	if strings.HasPrefix(subject, id.InboxPrefix()) {
		return true
	}
	if op != OpSub && subject == HeartbeatSubject(id) {
		return true
	}

	key := string(id.Type) + "\x00" + id.ID + "\x00" + string(op) + "\x00" + subject

	a.mu.RLock()
	entry, ok := a.decisions[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.allowed
	}

	allowed, cacheable := a.evaluate(ctx, id, subject)
	if cacheable {
		a.mu.Lock()
		if len(a.decisions) >= decisionMax {
			a.evictDecisionsLocked()
		}
		a.decisions[key] = &decisionEntry{allowed: allowed, expiresAt: time.Now().Add(decisionTTL)}
		a.mu.Unlock()
	}
	return allowed
}

// evaluate applies the scope rules. The second result is false when
// the verdict came from a failed lookup and must not be cached.
func (a *Authorizer) evaluate(ctx context.Context, id Identity, subject string) (allowed, cacheable bool) {
	scope, scopeID, ok := subjectScope(subject)
	if !ok {
		return false, true
	}

	switch id.Type {
	case UserProject:
		return scope == UserProject && scopeID == id.ID, true
	case UserAccount:
		if scope == UserAccount {
			return scopeID == id.ID, true
		}
		if scope != UserProject {
			return false, true
		}
		// Project identity self-access: the account whose id equals
		// the project id is always a collaborator.
		if scopeID == id.ID {
			return true, true
		}
		member, err := a.isCollaborator(ctx, id.ID, scopeID)
		if err != nil {
			return false, false
		}
		return member, true
	default:
		return false, true
	}
}

// Collaborator reports whether the account owns or collaborates on the
// project. The HTTP proxy shares this membership cache with the bus
// ACL, so both surfaces see a membership change at the same moment.
func (a *Authorizer) Collaborator(ctx context.Context, accountID, projectID string) (bool, error) {
	if accountID == projectID {
		return true, nil
	}
	return a.isCollaborator(ctx, accountID, projectID)
}

func (a *Authorizer) isCollaborator(ctx context.Context, accountID, projectID string) (bool, error) {
	key := accountID + "\x00" + projectID

	a.mu.RLock()
	entry, ok := a.members[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.member, nil
	}

	v, err, _ := a.flights.Do(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorFetchTimeout)
		defer cancel()

		member, err := a.collaborators.IsCollaborator(fetchCtx, accountID, projectID)
		if err != nil {
			return nil, err
		}

		a.mu.Lock()
		if len(a.members) >= collaboratorMax {
			a.evictMembersLocked()
		}
		a.members[key] = &memberEntry{member: member, expiresAt: time.Now().Add(collaboratorTTL)}
		a.mu.Unlock()

		return member, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Flush drops both caches. Called when project membership changes so
// revoked collaborators lose bus access immediately instead of at TTL
// expiry.
func (a *Authorizer) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = make(map[string]*decisionEntry)
	a.members = make(map[string]*memberEntry)
}

// StartEvictionLoop periodically removes expired entries from both
// caches. It blocks until ctx is cancelled.
func (a *Authorizer) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			a.evictDecisionsLocked()
			a.evictMembersLocked()
			a.mu.Unlock()
		}
	}
}

// evictDecisionsLocked removes expired decisions; if the cache is
// still at capacity afterwards it is reset outright. Must be called
// with mu held for writing.
func (a *Authorizer) evictDecisionsLocked() {
	now := time.Now()
	for key, entry := range a.decisions {
		if now.After(entry.expiresAt) {
			delete(a.decisions, key)
		}
	}
	if len(a.decisions) >= decisionMax {
		a.decisions = make(map[string]*decisionEntry)
	}
}

func (a *Authorizer) evictMembersLocked() {
	now := time.Now()
	for key, entry := range a.members {
		if now.After(entry.expiresAt) {
			delete(a.members, key)
		}
	}
	if len(a.members) >= collaboratorMax {
		a.members = make(map[string]*memberEntry)
	}
}

// HeartbeatSubject is the subject an identity publishes liveness on.
func HeartbeatSubject(id Identity) string {
	return "heartbeat." + string(id.Type) + "." + id.ID
}

// subjectScope classifies a subject by the identity scope embedded in
// its leading tokens. Subjects with no recognisable scope (hub.*,
// hosts.*, bare service names) report ok=false and are hub-only.
func subjectScope(subject string) (scope UserType, scopeID string, ok bool) {
	tokens := strings.SplitN(subject, ".", 3)
	if len(tokens) < 2 {
		return "", "", false
	}

	switch tokens[0] {
	case "project":
		if IsUUID(tokens[1]) {
			return UserProject, tokens[1], true
		}
	case "account":
		if IsUUID(tokens[1]) {
			return UserAccount, tokens[1], true
		}
	case "_INBOX":
		if id, err := ParseIdentity(tokens[1]); err == nil && id.Type != UserHub {
			return id.Type, id.ID, true
		}
	}
	return "", "", false
}
