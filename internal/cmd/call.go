package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/daemon"
)

// rpcBudget is the per-call deadline for direct bus calls.
func (inv *invocation) rpcBudget() time.Duration {
	if inv.globals.TimeoutMS > 0 {
		return time.Duration(inv.globals.TimeoutMS) * time.Millisecond
	}
	return daemon.DefaultRPCTimeout
}

// fileCall performs one file-service method, through the pooled daemon
// by default or over a direct bus connection with --no-daemon.
func (inv *invocation) fileCall(ctx context.Context, conf *config.Config, method string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if inv.noDaemon {
		return inv.directCall(ctx, conf, "fs", method, data)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	opts := []daemon.ClientOption{
		daemon.WithConnectTimeout(conf.DaemonConnectTimeout()),
		daemon.WithStartDeadline(conf.DaemonStartDeadline()),
	}
	// The client-side frame deadline must outlive the daemon's budget
	// for the call, or slow-but-successful operations die on the wire.
	if budget := time.Duration(inv.globals.TimeoutMS) * time.Millisecond; budget > daemon.DefaultRPCTimeout {
		opts = append(opts, daemon.WithClientRPCTimeout(budget+time.Second))
	}
	client := daemon.NewClient(opts...)
	resp, err := client.Do(ctx, daemon.Request{
		Action:  daemon.FileAction(method),
		CWD:     cwd,
		Globals: &inv.globals,
		Payload: data,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, daemonError(resp.Error)
	}
	return resp.Data, nil
}

// directCall opens a bus context for this invocation only, calls once
// and closes it. It keeps --no-daemon working where the per-user socket
// cannot exist.
func (inv *invocation) directCall(ctx context.Context, conf *config.Config, service, method string, payload json.RawMessage) (json.RawMessage, error) {
	bc, workspaceID, err := inv.busSession(ctx, conf)
	if err != nil {
		return nil, err
	}
	defer bc.Close()

	callCtx, cancel := context.WithTimeout(ctx, inv.rpcBudget())
	defer cancel()
	var data json.RawMessage
	if err := bc.Call(callCtx, workspaceID, service, method, &data, payload); err != nil {
		return nil, err
	}
	return data, nil
}

// busSession resolves the target workspace and opens one authenticated
// bus context. The caller closes it.
func (inv *invocation) busSession(ctx context.Context, conf *config.Config) (daemon.BusContext, string, error) {
	workspaceID, err := inv.resolveWorkspace()
	if err != nil {
		return nil, "", err
	}
	open := daemon.NewMasterContextFactory(conf)
	bc, err := open(ctx, inv.profile, inv.auth)
	if err != nil {
		return nil, "", err
	}
	return bc, workspaceID, nil
}

// resolveWorkspace picks the target workspace for direct calls the way
// the daemon does: an explicit id wins, then the context file found
// from the working directory upward.
func (inv *invocation) resolveWorkspace() (string, error) {
	if inv.globals.Workspace != "" {
		if !core.IsUUID(inv.globals.Workspace) {
			return "", &core.ErrInvalidInput{Field: "workspace", Message: "not a workspace id"}
		}
		return inv.globals.Workspace, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	wc, _, err := cli.FindWorkspaceContext(cwd)
	if errors.Is(err, cli.ErrNoWorkspace) {
		return "", &core.ErrInvalidInput{
			Field:   "workspace",
			Message: "no " + cli.ContextFile + " in this directory or any parent; run workspace use first",
		}
	}
	if err != nil {
		return "", err
	}
	return wc.WorkspaceID, nil
}

// renderRaw prints a raw service response in the selected format.
func renderRaw(p *cli.Printer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return p.Value(v)
}
