package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/daemon"
)

type DaemonInjector func() (*daemon.Daemon, func(), error)

// NewDaemonCommand builds the daemon subcommand: the per-user Unix
// socket server that keeps authenticated bus connections warm across
// client invocations. Clients auto-start it with --daemon-mode.
func NewDaemonCommand(conf *config.Config, newDaemon DaemonInjector) (*cobra.Command, error) {
	var daemonMode bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the per-user client daemon that pools authenticated bus connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ln, err := daemon.Listen(daemon.SocketPath())
			if err != nil {
				// Concurrent auto-starts race to the socket; the losers
				// find a serving daemon and exit clean.
				if daemonMode && errors.Is(err, daemon.ErrAlreadyServing) {
					return nil
				}
				return err
			}
			d, cleanup, err := newDaemon()
			if err != nil {
				ln.Close()
				return fmt.Errorf("failed to initialize daemon: %w", err)
			}
			defer cleanup()

			if err := daemon.WritePID(daemon.PIDPath()); err != nil {
				slog.Warn("write pid file", "path", daemon.PIDPath(), "err", err)
			}
			return d.Serve(cmd.Context(), ln)
		},
	}

	cmd.Flags().BoolVar(&daemonMode, "daemon-mode", false, "Internal: the process was auto-started by a client")
	if err := conf.BindFlags(cmd.Flags(), config.DaemonOptions); err != nil {
		return nil, err
	}

	cmd.AddCommand(newDaemonStopCommand(conf), newDaemonStatusCommand(conf))
	return cmd, nil
}

func newDaemonStopCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running client daemon to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := daemon.NewClient(
				daemon.WithConnectTimeout(conf.DaemonConnectTimeout()),
				daemon.WithStarter(nil),
			)
			return client.Shutdown(cmd.Context())
		},
	}
}

func newDaemonStatusCommand(conf *config.Config) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the client daemon is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := daemon.NewClient(
				daemon.WithConnectTimeout(conf.DaemonConnectTimeout()),
				daemon.WithStarter(nil),
			)
			resp, err := client.Ping(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon is not running on %s: %w", daemon.SocketPath(), err)
			}
			if jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Data)
				return nil
			}
			var status struct {
				PID      int   `json:"pid"`
				UptimeMS int64 `json:"uptime_ms"`
				Contexts int   `json:"contexts"`
			}
			if err := json.Unmarshal(resp.Data, &status); err != nil {
				return fmt.Errorf("decode daemon status: %w", err)
			}
			up := (time.Duration(status.UptimeMS) * time.Millisecond).Round(time.Second)
			fmt.Fprintf(cmd.OutOrStdout(), "pid %d, up %s, %d bus contexts\n", status.PID, up, status.Contexts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw status object")
	return cmd
}
