package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/config"
)

// Client-side mirrors of the file-service response shapes.
type fileEntry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
	IsDir   bool   `json:"is_dir"`
	MtimeMS int64  `json:"mtime_ms"`
}

type fileList struct {
	Path    string      `json:"path"`
	Entries []fileEntry `json:"entries"`
}

type fileContent struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type searchOutput struct {
	Output string `json:"output"`
	Exit   int    `json:"exit"`
}

type filePath struct {
	Path string `json:"path,omitempty"`
}

// NewFileCommand builds the file subcommand tree: workspace file
// operations served by the project file service, reached through the
// client daemon's pooled bus connection.
func NewFileCommand(conf *config.Config) *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:     "file",
		Aliases: []string{"fs"},
		Short:   "Operate on workspace files",
	}
	addGlobalFlags(cmd.PersistentFlags(), g)

	cmd.AddCommand(
		newFileListCommand(conf, g),
		newFileCatCommand(conf, g),
		newFilePutCommand(conf, g),
		newFileGetCommand(conf, g),
		newFileRemoveCommand(conf, g),
		newFileMkdirCommand(conf, g),
		newFileGrepCommand(conf, g),
		newFileFindCommand(conf, g),
	)
	return cmd
}

func newFileListCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "ls [path]",
		Aliases: []string{"list"},
		Short:   "List a workspace directory",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			raw, err := inv.fileCall(cmd.Context(), conf, "list", filePath{Path: path})
			if err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return renderRaw(inv.printer, raw)
			}
			var list fileList
			if err := json.Unmarshal(raw, &list); err != nil {
				return inv.fail(err)
			}
			rows := make([][]string, 0, len(list.Entries))
			for _, e := range list.Entries {
				name := e.Name
				if e.IsDir {
					name += "/"
				}
				rows = append(rows, []string{
					name,
					strconv.FormatInt(e.Size, 10),
					e.Mode,
					time.UnixMilli(e.MtimeMS).Format(time.RFC3339),
				})
			}
			return inv.printer.Table([]string{"NAME", "SIZE", "MODE", "MODIFIED"}, rows)
		},
	}
}

func newFileCatCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a workspace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			raw, err := inv.fileCall(cmd.Context(), conf, "cat", filePath{Path: args[0]})
			if err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return renderRaw(inv.printer, raw)
			}
			var file fileContent
			if err := json.Unmarshal(raw, &file); err != nil {
				return inv.fail(err)
			}
			_, err = os.Stdout.Write(file.Content)
			return err
		},
	}
}

func newFilePutCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local> [remote]",
		Short: "Upload a local file into the workspace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return inv.fail(err)
			}
			remote := filepath.Base(args[0])
			if len(args) == 2 {
				remote = args[1]
			}
			payload := struct {
				Path    string `json:"path"`
				Content []byte `json:"content"`
			}{Path: remote, Content: content}
			raw, err := inv.fileCall(cmd.Context(), conf, "put", payload)
			if err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return renderRaw(inv.printer, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", remote, len(content))
			return nil
		},
	}
}

func newFileGetCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> [local]",
		Short: "Download a workspace file; local \"-\" writes to stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			raw, err := inv.fileCall(cmd.Context(), conf, "get", filePath{Path: args[0]})
			if err != nil {
				return inv.fail(err)
			}
			var file fileContent
			if err := json.Unmarshal(raw, &file); err != nil {
				return inv.fail(err)
			}
			local := filepath.Base(args[0])
			if len(args) == 2 {
				local = args[1]
			}
			if local == "-" {
				_, err = os.Stdout.Write(file.Content)
				return err
			}
			if err := os.WriteFile(local, file.Content, 0o644); err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return inv.printer.Value(map[string]any{
					"path":     file.Path,
					"saved_to": local,
					"bytes":    len(file.Content),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched %s -> %s (%d bytes)\n", file.Path, local, len(file.Content))
			return nil
		},
	}
}

func newFileRemoveCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a workspace file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			payload := struct {
				Path      string `json:"path"`
				Recursive bool   `json:"recursive,omitempty"`
			}{Path: args[0], Recursive: recursive}
			raw, err := inv.fileCall(cmd.Context(), conf, "rm", payload)
			if err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return renderRaw(inv.printer, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Remove directories and their contents")
	return cmd
}

func newFileMkdirCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a workspace directory, with parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			raw, err := inv.fileCall(cmd.Context(), conf, "mkdir", filePath{Path: args[0]})
			if err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return renderRaw(inv.printer, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
			return nil
		},
	}
}

func newFileGrepCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rg <pattern> [path]",
		Short: "Search workspace file contents with ripgrep",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  searchRunE(conf, g, "rg"),
	}
}

func newFileFindCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fd <pattern> [path]",
		Short: "Find workspace files by name with fd",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  searchRunE(conf, g, "fd"),
	}
}

func searchRunE(conf *config.Config, g *globalFlags, method string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		inv, err := resolveInvocation(g)
		if err != nil {
			return err
		}
		payload := struct {
			Pattern string `json:"pattern"`
			Path    string `json:"path,omitempty"`
		}{Pattern: args[0]}
		if len(args) == 2 {
			payload.Path = args[1]
		}
		raw, err := inv.fileCall(cmd.Context(), conf, method, payload)
		if err != nil {
			return inv.fail(err)
		}
		if inv.printer.Format() != cli.FormatTable {
			return renderRaw(inv.printer, raw)
		}
		var out searchOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return inv.fail(err)
		}
		_, err = fmt.Fprint(os.Stdout, out.Output)
		return err
	}
}
