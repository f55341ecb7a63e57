package runtime

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/sagemathinc/project-host/internal/core"
)

// Resolver maps (project, port) to a dialable backend address for the
// HTTP proxy. When the runtime published the port it returns the
// loopback mapping; when the container runs on the host network there
// is nothing to translate and the raw port on loopback is the answer.
type Resolver struct {
	cli *CLI
}

// NewResolver wraps the podman adapter for proxy target resolution.
func NewResolver(cli *CLI) *Resolver { return &Resolver{cli: cli} }

// PublishedAddress resolves the backend address for a project port.
func (r *Resolver) PublishedAddress(ctx context.Context, projectID string, port int) (string, error) {
	hostPort, err := r.cli.PublishedPort(ctx, projectID, port)
	if err != nil {
		var notFound *core.ErrNotFound
		if errors.As(err, &notFound) {
			return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
		}
		return "", err
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort)), nil
}
