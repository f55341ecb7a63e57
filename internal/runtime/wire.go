package runtime

import (
	"context"

	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/proxy"
)

// ProviderSet is the Wire provider set for the workspace runtime.
var ProviderSet = wire.NewSet(ProvideCLI, ProvideDisk, ProvideLeases, NewResolver,
	wire.Bind(new(proxy.TargetResolver), new(*Resolver)),
)

// ProvideCLI builds the podman adapter from configuration.
func ProvideCLI(conf *config.Config) *CLI {
	return NewCLI(WithPodmanPath(conf.HostPodmanPath()))
}

// ProvideDisk builds the btrfs adapter over the projects root.
func ProvideDisk(conf *config.Config) *Disk {
	return NewDisk(conf.HostProjectsRoot())
}

// ProvideLeases builds the workspace lease table. Expired leases stop
// the project container; the next operation starts it again.
func ProvideLeases(conf *config.Config, cli *CLI) *Leases {
	dispose := func(projectID string) {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
		defer cancel()
		if err := cli.Stop(ctx, projectID); err != nil {
			cli.log.Warn("stop idle workspace", "project_id", projectID, "err", err)
		}
	}
	return NewLeases(dispose, WithLeaseTTL(conf.HostLeaseTTL()))
}
