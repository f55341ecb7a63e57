package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sagemathinc/project-host/internal/core"
)

const hostIDKey = "id"

// HostID returns this host's stable identity, choosing one at first
// boot. A non-empty override (PROJECT_HOST_ID) is validated, persisted
// and wins over the stored value.
func (s *Store) HostID(ctx context.Context, override string) (string, error) {
	if override != "" {
		if !core.IsUUID(override) {
			return "", &core.ErrInvalidInput{Field: "host id override", Message: "not a UUID"}
		}
		if err := s.put(ctx, nsHost, hostIDKey, override); err != nil {
			return "", err
		}
		return override, nil
	}

	id, ok, err := s.get(ctx, nsHost, hostIDKey)
	if err != nil {
		return "", err
	}
	if ok {
		if !core.IsUUID(id) {
			return "", fmt.Errorf("stored host id %q is corrupt", id)
		}
		return id, nil
	}

	fresh := uuid.NewString()
	if _, err := s.putIfAbsent(ctx, nsHost, hostIDKey, fresh); err != nil {
		return "", err
	}
	id, _, err = s.get(ctx, nsHost, hostIDKey)
	return id, err
}
