package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/lro"
)

// Request shapes of the operation service.
type opPayload struct {
	OpID string `json:"op_id"`
}

type opSubmitPayload struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

type opListPayload struct {
	IncludeCompleted bool `json:"include_completed"`
}

// NewOpsCommand builds the ops subcommand tree for long-running
// operations. These always dial the bus directly: the daemon's action
// set is file operations only.
func NewOpsCommand(conf *config.Config) *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect and drive long-running operations",
	}
	addGlobalFlags(cmd.PersistentFlags(), g)

	cmd.AddCommand(
		newOpsListCommand(conf, g),
		newOpsGetCommand(conf, g),
		newOpsCancelCommand(conf, g),
		newOpsWaitCommand(conf, g),
		newOpsSubmitCommand(conf, g),
	)
	return cmd
}

func newOpsListCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the workspace's operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			raw, err := inv.directCall(cmd.Context(), conf, "lro", "list", mustJSON(opListPayload{IncludeCompleted: all}))
			if err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return renderRaw(inv.printer, raw)
			}
			var sums []lro.Summary
			if err := json.Unmarshal(raw, &sums); err != nil {
				return inv.fail(err)
			}
			rows := make([][]string, 0, len(sums))
			for _, s := range sums {
				rows = append(rows, []string{
					s.OpID,
					s.Kind,
					string(s.Status),
					fmt.Sprintf("%d", s.Attempt),
					s.UpdatedAt.Format(time.RFC3339),
				})
			}
			return inv.printer.Table([]string{"OP ID", "KIND", "STATUS", "ATTEMPT", "UPDATED"}, rows)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include completed operations")
	return cmd
}

func newOpsGetCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <op-id>",
		Short: "Show one operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			raw, err := inv.directCall(cmd.Context(), conf, "lro", "get", mustJSON(opPayload{OpID: args[0]}))
			if err != nil {
				return inv.fail(err)
			}
			return renderRaw(inv.printer, raw)
		},
	}
}

func newOpsCancelCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <op-id>",
		Short: "Request cancellation of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			raw, err := inv.directCall(cmd.Context(), conf, "lro", "cancel", mustJSON(opPayload{OpID: args[0]}))
			if err != nil {
				return inv.fail(err)
			}
			if inv.printer.Format() != cli.FormatTable {
				return renderRaw(inv.printer, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled %s\n", args[0])
			return nil
		},
	}
}

func newOpsWaitCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <op-id>",
		Short: "Poll an operation until it reaches a terminal status or the budget runs out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			bc, workspaceID, err := inv.busSession(cmd.Context(), conf)
			if err != nil {
				return inv.fail(err)
			}
			defer bc.Close()

			fetch := func(ctx context.Context) (lro.Summary, error) {
				callCtx, cancel := context.WithTimeout(ctx, inv.rpcBudget())
				defer cancel()
				var sum lro.Summary
				err := bc.Call(callCtx, workspaceID, "lro", "get", &sum, opPayload{OpID: args[0]})
				return sum, err
			}
			timeout := time.Duration(inv.timeoutMS) * time.Millisecond
			poll := time.Duration(inv.pollMS) * time.Millisecond
			res, err := lro.Wait(cmd.Context(), timeout, poll, fetch)
			if err != nil && cmd.Context().Err() == nil {
				return inv.fail(err)
			}
			if perr := inv.printer.Value(res); perr != nil {
				return perr
			}
			if res.TimedOut && inv.printer.Format() == cli.FormatTable {
				fmt.Fprintf(cmd.OutOrStdout(), "still %s after %s\n", res.Summary.Status, budgetLabel(timeout))
			}
			return nil
		},
	}
}

func budgetLabel(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return lro.DefaultWaitTimeout
	}
	return timeout
}

func newOpsSubmitCommand(conf *config.Config, g *globalFlags) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Submit a new operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := resolveInvocation(g)
			if err != nil {
				return err
			}
			payload := opSubmitPayload{Kind: args[0]}
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("--input must be valid JSON")
				}
				payload.Input = json.RawMessage(input)
			}
			raw, err := inv.directCall(cmd.Context(), conf, "lro", "submit", mustJSON(payload))
			if err != nil {
				return inv.fail(err)
			}
			return renderRaw(inv.printer, raw)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Operation input as raw JSON")
	return cmd
}

// mustJSON marshals fixed local shapes, which cannot fail.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
