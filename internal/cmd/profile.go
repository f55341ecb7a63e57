package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/cli"
)

// NewProfileCommand builds the profile subcommand tree, which manages
// the saved auth profiles in the per-user config file.
func NewProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved auth profiles",
	}
	cmd.AddCommand(
		newProfileSetCommand(),
		newProfileUseCommand(),
		newProfileListCommand(),
		newProfileRemoveCommand(),
	)
	return cmd
}

func withAuthConfig(fn func(conf *cli.AuthConfig) error) error {
	path, err := cli.DefaultConfigPath()
	if err != nil {
		return err
	}
	conf, err := cli.LoadAuthConfig(path)
	if err != nil {
		return err
	}
	if err := fn(conf); err != nil {
		return err
	}
	return cli.SaveAuthConfig(conf, path)
}

func newProfileSetCommand() *cobra.Command {
	var p cli.AuthProfile
	var current bool
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a profile from flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if p.API != "" {
				api, err := cli.NormalizeURL(p.API)
				if err != nil {
					return err
				}
				p.API = api
			}
			err := withAuthConfig(func(conf *cli.AuthConfig) error {
				// Unset flags keep the stored value, so credentials can
				// be updated one at a time.
				stored := conf.Profiles[name]
				merged := mergeProfile(stored, p)
				if err := conf.SetProfile(name, merged); err != nil {
					return err
				}
				if current || conf.CurrentProfile == "" {
					conf.CurrentProfile = name
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved profile %s\n", name)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&p.API, "api", "", "Master API base URL")
	fs.StringVar(&p.AccountID, "account-id", "", "Account id for account credentials")
	fs.StringVar(&p.APIKey, "api-key", "", "API key credential")
	fs.StringVar(&p.Cookie, "cookie", "", "Session cookie credential as name=value")
	fs.StringVar(&p.Bearer, "bearer", "", "Bearer token credential")
	fs.StringVar(&p.HubPassword, "hub-password", "", "Hub system password (operators only)")
	fs.BoolVar(&current, "use", false, "Also make this the current profile")
	return cmd
}

func mergeProfile(stored, update cli.AuthProfile) cli.AuthProfile {
	if update.API != "" {
		stored.API = update.API
	}
	if update.AccountID != "" {
		stored.AccountID = update.AccountID
	}
	if update.APIKey != "" {
		stored.APIKey = update.APIKey
	}
	if update.Cookie != "" {
		stored.Cookie = update.Cookie
	}
	if update.Bearer != "" {
		stored.Bearer = update.Bearer
	}
	if update.HubPassword != "" {
		stored.HubPassword = update.HubPassword
	}
	return stored
}

func newProfileUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Make a profile the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withAuthConfig(func(conf *cli.AuthConfig) error {
				if _, ok := conf.Profiles[args[0]]; !ok {
					return fmt.Errorf("profile %q not found", args[0])
				}
				conf.CurrentProfile = args[0]
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current profile is %s\n", args[0])
			return nil
		},
	}
}

func newProfileListCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles; credentials are never shown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cli.DefaultConfigPath()
			if err != nil {
				return err
			}
			conf, err := cli.LoadAuthConfig(path)
			if err != nil {
				return err
			}
			printer, err := cli.NewPrinter(output, os.Stdout)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(conf.Profiles))
			for name := range conf.Profiles {
				names = append(names, name)
			}
			sort.Strings(names)
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				p := conf.Profiles[name]
				marker := ""
				if name == conf.CurrentProfile {
					marker = "*"
				}
				rows = append(rows, []string{name, p.API, p.AccountID, credentialKind(p), marker})
			}
			return printer.Table([]string{"NAME", "API", "ACCOUNT", "CREDENTIAL", "CURRENT"}, rows)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Output format: table, json or yaml")
	return cmd
}

// credentialKind names which credential a profile carries without
// exposing its value.
func credentialKind(p cli.AuthProfile) string {
	switch {
	case p.HubPassword != "":
		return "hub-password"
	case p.Bearer != "":
		return "bearer"
	case p.APIKey != "":
		return "api-key"
	case p.Cookie != "":
		return "cookie"
	}
	return "none"
}

func newProfileRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withAuthConfig(func(conf *cli.AuthConfig) error {
				return conf.RemoveProfile(args[0])
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed profile %s\n", args[0])
			return nil
		},
	}
}
