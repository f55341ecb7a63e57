// Package cmd defines the Cobra subcommands (serve, daemon, file, ops,
// workspace, profile) and their Wire provider sets. It bridges
// configuration, dependency injection, and the transport layer.
package cmd

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/cmd/host"
)

// ProviderSet is the Wire provider set for the CLI layer. It exposes
// the host runtime, its HTTP handler and the background loops.
var ProviderSet = wire.NewSet(
	host.NewHost,
	host.NewHandler,
	host.ProvideBackgroundListeners,
)
