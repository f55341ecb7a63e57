package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/cmd/host"
	"github.com/sagemathinc/project-host/internal/config"
)

type HostInjector func() (*host.Host, func(), error)

// NewServeCommand builds the serve subcommand, which runs the node
// agent: bus endpoint, workspace proxy, master link and tunnels.
func NewServeCommand(conf *config.Config, newHost HostInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the project host: bus endpoint, workspace proxy, master link and reverse tunnels",
		Example: "cocalc-host serve --host-address=:9100 --host-master-url=wss://cocalc.example.com/conat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, cleanup, err := newHost()
			if err != nil {
				return fmt.Errorf("failed to initialize host: %w", err)
			}
			defer cleanup()

			cfg := host.Config{
				Address:        conf.HostAddress(),
				AllowedOrigins: conf.HostAllowedOrigins(),
				HTTPS:          conf.HostHTTPS(),
				TLSCert:        conf.HostTLSCert(),
				TLSKey:         conf.HostTLSKey(),
				SecretsDir:     conf.HostSecretsDir(),
			}

			return h.Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.HostOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
