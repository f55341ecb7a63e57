package cmd

import (
	"errors"
	"os"

	"github.com/spf13/pflag"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/daemon"
)

// ErrReported marks failures already rendered by the printer, so main
// exits 1 without printing the error a second time.
var ErrReported = errors.New("error already reported")

// globalFlags are the flags shared by every client command. They
// override the selected profile field by field.
type globalFlags struct {
	json        bool
	output      string
	profile     string
	api         string
	accountID   string
	apiKey      string
	cookie      string
	bearer      string
	hubPassword string
	workspace   string
	timeout     string
	rpcTimeout  string
	pollMS      string
	noDaemon    bool
}

func addGlobalFlags(fs *pflag.FlagSet, g *globalFlags) {
	fs.BoolVar(&g.json, "json", false, "Shorthand for --output json")
	fs.StringVar(&g.output, "output", "", "Output format: table, json or yaml")
	fs.StringVar(&g.profile, "profile", "", "Auth profile name (default: the current profile)")
	fs.StringVar(&g.api, "api", "", "Master API base URL")
	fs.StringVar(&g.accountID, "account-id", "", "Account id for account credentials")
	fs.StringVar(&g.apiKey, "api-key", "", "API key credential")
	fs.StringVar(&g.cookie, "cookie", "", "Session cookie credential as name=value")
	fs.StringVar(&g.bearer, "bearer", "", "Bearer token credential")
	fs.StringVar(&g.hubPassword, "hub-password", "", "Hub system password (operators only)")
	fs.StringVar(&g.workspace, "workspace", "", "Target workspace id (default: the workspace context file)")
	fs.StringVar(&g.timeout, "timeout", "", "Overall command budget (2s, 3m, bare seconds)")
	fs.StringVar(&g.rpcTimeout, "rpc-timeout", "", "Single RPC budget (default: the daemon's)")
	fs.StringVar(&g.pollMS, "poll-ms", "", "Poll interval for wait-shaped commands")
	fs.BoolVar(&g.noDaemon, "no-daemon", false, "Dial the bus directly instead of using the client daemon")
}

// invocation is one command's resolved context: credentials merged from
// the profile and flags, the output printer, and parsed budgets.
type invocation struct {
	globals daemon.Globals
	auth    cli.AuthProfile
	profile string
	printer *cli.Printer

	timeoutMS int64
	rpcMS     int64
	pollMS    int64
	noDaemon  bool
}

// resolveInvocation loads the profile file, applies flag overrides and
// builds the printer. Flag parsing errors surface before any daemon or
// bus work starts.
func resolveInvocation(g *globalFlags) (*invocation, error) {
	path, err := cli.DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	conf, err := cli.LoadAuthConfig(path)
	if err != nil {
		return nil, err
	}
	auth, profileName, err := conf.Profile(g.profile)
	if err != nil {
		return nil, err
	}
	if g.api != "" {
		auth.API = g.api
	}
	if g.accountID != "" {
		auth.AccountID = g.accountID
	}
	if g.apiKey != "" {
		auth.APIKey = g.apiKey
	}
	if g.cookie != "" {
		auth.Cookie = g.cookie
	}
	if g.bearer != "" {
		auth.Bearer = g.bearer
	}
	if g.hubPassword != "" {
		auth.HubPassword = g.hubPassword
	}

	format := g.output
	if format == "" && g.json {
		format = cli.FormatJSON
	}
	printer, err := cli.NewPrinter(format, os.Stdout)
	if err != nil {
		return nil, err
	}

	inv := &invocation{
		auth:     auth,
		profile:  profileName,
		printer:  printer,
		noDaemon: g.noDaemon,
	}
	if g.timeout != "" {
		if inv.timeoutMS, err = cli.ParseDurationMS(g.timeout); err != nil {
			return nil, err
		}
	}
	if g.rpcTimeout != "" {
		if inv.rpcMS, err = cli.ParseDurationMS(g.rpcTimeout); err != nil {
			return nil, err
		}
	}
	if g.pollMS != "" {
		if inv.pollMS, err = cli.ParseDurationMS(g.pollMS); err != nil {
			return nil, err
		}
	}

	rpcBudget := inv.rpcMS
	if rpcBudget == 0 {
		rpcBudget = inv.timeoutMS
	}
	inv.globals = daemon.Globals{
		Profile:     profileName,
		API:         auth.API,
		AccountID:   auth.AccountID,
		APIKey:      auth.APIKey,
		Cookie:      auth.Cookie,
		Bearer:      auth.Bearer,
		HubPassword: auth.HubPassword,
		Workspace:   g.workspace,
		TimeoutMS:   rpcBudget,
	}
	return inv, nil
}

// fail renders err in the selected format. Table mode hands the error
// back for main's stderr line; structured modes emit the error envelope
// and report ErrReported so the envelope stays the only output.
func (inv *invocation) fail(err error) error {
	if inv.printer.Format() == cli.FormatTable {
		return err
	}
	if perr := inv.printer.Error(err, inv.auth.API, inv.auth.AccountID); perr != nil {
		return perr
	}
	return ErrReported
}

// daemonError reconstructs a daemon response's error so exit paths and
// structured output keep the wire code.
func daemonError(info *daemon.ErrorInfo) error {
	if info == nil {
		return &core.ServiceError{Code: core.CodeInternal, Message: "daemon reported failure without detail"}
	}
	return &core.ServiceError{Code: info.Code, Message: info.Message}
}
