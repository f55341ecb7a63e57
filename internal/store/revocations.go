package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sagemathinc/project-host/internal/core"
)

// PutRevocation merges a revocation row. The cutoff never moves
// backwards: a replayed or out-of-order update cannot resurrect
// sessions that an earlier row already killed.
func (s *Store) PutRevocation(ctx context.Context, r core.AccountRevocation) error {
	if !core.IsUUID(r.AccountID) {
		return &core.ErrInvalidInput{Field: "account_id", Message: "not a UUID"}
	}

	existing, ok, err := s.Revocation(ctx, r.AccountID)
	if err != nil {
		return err
	}
	if ok && existing.RevokedBeforeMS > r.RevokedBeforeMS {
		r.RevokedBeforeMS = existing.RevokedBeforeMS
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal revocation %s: %w", r.AccountID, err)
	}
	return s.put(ctx, nsRevocations, r.AccountID, string(data))
}

// Revocation returns the revocation row for an account, if any.
func (s *Store) Revocation(ctx context.Context, accountID string) (core.AccountRevocation, bool, error) {
	raw, ok, err := s.get(ctx, nsRevocations, accountID)
	if err != nil || !ok {
		return core.AccountRevocation{}, false, err
	}
	var r core.AccountRevocation
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return core.AccountRevocation{}, false, fmt.Errorf("unmarshal revocation %s: %w", accountID, err)
	}
	return r, true, nil
}

// IsRevoked reports whether a credential issued at iatSeconds for the
// account has been revoked.
func (s *Store) IsRevoked(ctx context.Context, accountID string, iatSeconds int64) (bool, error) {
	r, ok, err := s.Revocation(ctx, accountID)
	if err != nil || !ok {
		return false, err
	}
	return r.Covers(iatSeconds), nil
}
