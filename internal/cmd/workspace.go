package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/cli"
)

// NewWorkspaceCommand builds the workspace subcommand tree, which
// manages the context file pinning a directory tree to a workspace.
func NewWorkspaceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Pin directories to workspaces",
	}
	cmd.AddCommand(newWorkspaceUseCommand(), newWorkspaceShowCommand())
	return cmd
}

func newWorkspaceUseCommand() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "use <workspace-id>",
		Short: "Pin the current directory tree to a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			wc := cli.WorkspaceContext{WorkspaceID: args[0], Title: title}
			if err := cli.WriteWorkspaceContext(cwd, wc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pinned %s to workspace %s\n", cwd, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Human-readable workspace title")
	return cmd
}

func newWorkspaceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the workspace context governing the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			wc, path, err := cli.FindWorkspaceContext(cwd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workspace: %s\n", wc.WorkspaceID)
			if wc.Title != "" {
				fmt.Fprintf(out, "title:     %s\n", wc.Title)
			}
			if wc.SetAt != nil {
				fmt.Fprintf(out, "set at:    %s\n", wc.SetAt.Format("2006-01-02 15:04:05 MST"))
			}
			fmt.Fprintf(out, "from:      %s\n", path)
			return nil
		},
	}
}
