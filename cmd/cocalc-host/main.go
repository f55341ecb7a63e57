// Package main is the entry point for the cocalc-host binary. It
// supports two server-side subcommands plus the client CLI:
//
//   - serve:  runs the node agent (bus endpoint, workspace proxy,
//     master link, reverse tunnels)
//   - daemon: runs the per-user client daemon behind a Unix socket
//   - file, ops, workspace, profile: the client commands
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/cmd"
	"github.com/sagemathinc/project-host/internal/cmd/host"
	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/daemon"
	"github.com/sagemathinc/project-host/internal/master"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we print
		// the error here for consistent formatting. Errors the printer
		// already rendered in a structured format are not repeated.
		if !errors.Is(err, cmd.ErrReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root Cobra command.
func run(ctx context.Context) error {
	rootCmd, cleanup, err := wireCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer cleanup()

	return rootCmd.ExecuteContext(ctx)
}

// newCmd is a Wire provider that constructs the root Cobra command and
// registers the subcommands. The version is captured by closures passed
// to the Wire injectors so that the Injector type signatures remain
// unchanged.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "cocalc-host",
		Short:         "CoCalc project host: workspace node agent, authenticating proxy and client CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	v := master.Version(version)

	serveCmd, err := cmd.NewServeCommand(conf, func() (*host.Host, func(), error) {
		return wireHost(v, conf)
	})
	if err != nil {
		return nil, err
	}

	daemonCmd, err := cmd.NewDaemonCommand(conf, func() (*daemon.Daemon, func(), error) {
		return wireDaemon(conf)
	})
	if err != nil {
		return nil, err
	}

	c.AddCommand(
		serveCmd,
		daemonCmd,
		cmd.NewFileCommand(conf),
		cmd.NewOpsCommand(conf),
		cmd.NewWorkspaceCommand(),
		cmd.NewProfileCommand(),
	)

	return c, nil
}
