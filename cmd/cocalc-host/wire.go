//go:build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/cmd"
	"github.com/sagemathinc/project-host/internal/cmd/host"
	"github.com/sagemathinc/project-host/internal/codex"
	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/daemon"
	"github.com/sagemathinc/project-host/internal/fsserve"
	"github.com/sagemathinc/project-host/internal/lro"
	"github.com/sagemathinc/project-host/internal/master"
	"github.com/sagemathinc/project-host/internal/metrics"
	"github.com/sagemathinc/project-host/internal/proxy"
	"github.com/sagemathinc/project-host/internal/runtime"
	"github.com/sagemathinc/project-host/internal/secrets"
	"github.com/sagemathinc/project-host/internal/store"
	"github.com/sagemathinc/project-host/internal/tunnel"
)

func wireCmd() (*cobra.Command, func(), error) {
	panic(wire.Build(
		newCmd,
		config.ProviderSet,
	))
}

func wireHost(ver master.Version, conf *config.Config) (*host.Host, func(), error) {
	panic(wire.Build(
		cmd.ProviderSet,
		conat.ProviderSet,
		codex.ProviderSet,
		core.ProviderSet,
		fsserve.ProviderSet,
		lro.ProviderSet,
		master.ProviderSet,
		metrics.ProviderSet,
		proxy.ProviderSet,
		runtime.ProviderSet,
		secrets.ProviderSet,
		store.ProviderSet,
		tunnel.ProviderSet,
	))
}

func wireDaemon(conf *config.Config) (*daemon.Daemon, func(), error) {
	panic(wire.Build(
		daemon.ProviderSet,
	))
}
