package daemon

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/config"
)

// ProviderSet wires the daemon server and its production context
// factory.
var ProviderSet = wire.NewSet(ProvideDaemon, NewMasterContextFactory)

// ProvideDaemon builds the daemon with configured timeouts.
func ProvideDaemon(conf *config.Config, open ContextFactory) (*Daemon, error) {
	return New(open, WithRPCTimeout(conf.DaemonRPCTimeout()))
}
