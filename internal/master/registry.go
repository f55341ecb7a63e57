package master

import (
	"context"

	"github.com/sagemathinc/project-host/internal/codex"
	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/core"
)

// AuthRegistry is the bus client for the master's credential registry,
// the sync backend of the codex cache. Calls go over the live link and
// fail fast while the host is between sessions; the cache treats that
// as the registry being unreachable, not as a revocation.
type AuthRegistry struct {
	caller Caller
}

// NewAuthRegistry wraps a master caller, usually the link itself.
func NewAuthRegistry(caller Caller) *AuthRegistry {
	return &AuthRegistry{caller: caller}
}

type registryPayload struct {
	Payload []byte `json:"payload"`
}

type registryExists struct {
	Exists bool `json:"exists"`
}

// Put uploads a credential payload under the selector.
func (r *AuthRegistry) Put(ctx context.Context, sel codex.Selector, payload []byte) error {
	return r.caller.Call(ctx, conat.HubAuthRegistrySubject, "put", nil, sel, payload)
}

// Get downloads the payload stored under the selector. Central absence
// comes back as core.ErrNotFound, which the codex cache branches on.
func (r *AuthRegistry) Get(ctx context.Context, sel codex.Selector) ([]byte, error) {
	var resp registryPayload
	if err := r.caller.Call(ctx, conat.HubAuthRegistrySubject, "get", &resp, sel); err != nil {
		return nil, asRegistryNotFound(err, sel)
	}
	if len(resp.Payload) == 0 {
		return nil, &core.ErrNotFound{Resource: "registry credential", ID: sel.OwnerAccountID}
	}
	return resp.Payload, nil
}

// Exists reports whether the registry holds a payload for the selector.
func (r *AuthRegistry) Exists(ctx context.Context, sel codex.Selector) (bool, error) {
	var resp registryExists
	if err := r.caller.Call(ctx, conat.HubAuthRegistrySubject, "exists", &resp, sel); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Touch records a use of the credential so the master's own retention
// sees it as active.
func (r *AuthRegistry) Touch(ctx context.Context, sel codex.Selector) error {
	return r.caller.Call(ctx, conat.HubAuthRegistrySubject, "touch", nil, sel)
}

// Delete removes the payload stored under the selector.
func (r *AuthRegistry) Delete(ctx context.Context, sel codex.Selector) error {
	return r.caller.Call(ctx, conat.HubAuthRegistrySubject, "delete", nil, sel)
}

// asRegistryNotFound rewraps a remote not_found verdict as the typed
// error local callers expect; everything else passes through.
func asRegistryNotFound(err error, sel codex.Selector) error {
	if core.ErrorCode(err) == core.CodeNotFound {
		return &core.ErrNotFound{Resource: "registry credential", ID: sel.OwnerAccountID}
	}
	return err
}
