package conat

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
)

// ProviderSet is the Wire provider set for the bus.
var ProviderSet = wire.NewSet(ProvideServer)

// ProvideServer builds the bus server from configuration.
func ProvideServer(conf *config.Config, authorizer *core.Authorizer) *Server {
	return NewServer(authorizer, WithAllowedOrigins(conf.HostAllowedOrigins()))
}
