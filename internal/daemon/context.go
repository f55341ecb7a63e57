package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sagemathinc/project-host/internal/cli"
	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/master"
	"github.com/sagemathinc/project-host/internal/middleware"
)

// BusContext is one authenticated bus presence able to call the
// services of any workspace the credentials can reach. Service names
// the per-project endpoint ("fs", "lro").
type BusContext interface {
	Call(ctx context.Context, workspaceID, service, method string, out any, args ...any) error
	Close()
}

// ContextFactory opens a bus context for one credential set. The
// daemon pools the results by cli.AuthProfile.ContextKey.
type ContextFactory func(ctx context.Context, profileName string, auth cli.AuthProfile) (BusContext, error)

// NewMasterContextFactory builds the production factory: it signs in
// to the master bus named by the profile's API URL, locates each
// workspace's host through the hub, and reaches the host with routed
// tokens minted on demand.
func NewMasterContextFactory(conf *config.Config) ContextFactory {
	dialTimeout := conf.DaemonConnectTimeout()
	log := slog.Default().With("component", "daemon-context")
	return func(ctx context.Context, profileName string, auth cli.AuthProfile) (BusContext, error) {
		return openMasterContext(ctx, auth, dialTimeout, log)
	}
}

func openMasterContext(ctx context.Context, auth cli.AuthProfile, dialTimeout time.Duration, log *slog.Logger) (BusContext, error) {
	if auth.API == "" {
		return nil, &core.ErrInvalidInput{Field: "api", Message: "no API url configured; sign in or pass --api"}
	}
	wsURL, err := busWSURL(auth.API)
	if err != nil {
		return nil, err
	}
	identity, opts, err := dialCredentials(auth)
	if err != nil {
		return nil, err
	}
	opts = append(opts, conat.WithDialTimeout(dialTimeout))
	client, err := conat.Dial(ctx, wsURL, identity, opts...)
	if err != nil {
		return nil, err
	}

	mc := &masterContext{
		api:       auth.API,
		accountID: auth.AccountID,
		hub:       identity.Type == core.UserHub,
		master:    client,
		locations: make(map[string]hostLocation),
		log:       log,
	}
	pool, err := master.NewRoutedPool(client, mc.dialRouted, master.WithPoolLogger(log))
	if err != nil {
		client.Close()
		return nil, err
	}
	mc.pool = pool
	return mc, nil
}

// dialCredentials maps a profile onto bus sign-in material. Hub
// passwords win, then explicit bearers, then API keys, then a raw
// session cookie; account credentials need the account id for inbox
// binding.
func dialCredentials(auth cli.AuthProfile) (core.Identity, []conat.DialOption, error) {
	if auth.HubPassword != "" {
		return core.Hub(), []conat.DialOption{
			conat.WithCookie(middleware.SystemCookieName, auth.HubPassword),
		}, nil
	}
	account := func(opt conat.DialOption) (core.Identity, []conat.DialOption, error) {
		if !core.IsUUID(auth.AccountID) {
			return core.Identity{}, nil, &core.ErrInvalidInput{
				Field:   "account_id",
				Message: "required with account credentials",
			}
		}
		return core.Account(auth.AccountID), []conat.DialOption{opt}, nil
	}
	switch {
	case auth.Bearer != "":
		return account(conat.WithBearer(auth.Bearer))
	case auth.APIKey != "":
		return account(conat.WithBearer(auth.APIKey))
	case auth.Cookie != "":
		name, value, ok := strings.Cut(auth.Cookie, "=")
		if !ok || name == "" {
			return core.Identity{}, nil, &core.ErrInvalidInput{
				Field:   "cookie",
				Message: "want name=value",
			}
		}
		return account(conat.WithCookie(name, value))
	}
	return core.Identity{}, nil, &core.ErrInvalidInput{
		Field:   "credentials",
		Message: "profile has no credentials; sign in first",
	}
}

// busWSURL turns an API base URL into the websocket bus endpoint.
func busWSURL(api string) (string, error) {
	normalized, err := cli.NormalizeURL(api)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported API scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/conat"
	return u.String(), nil
}

// hostLocation is the hub's answer to "where does this workspace
// run": the serving host and its bus URL.
type hostLocation struct {
	HostID   string `json:"host_id"`
	ConatURL string `json:"conat_url"`
}

type locateRequest struct {
	ProjectID string `json:"project_id"`
}

// masterContext holds one master connection plus routed clients for
// every workspace host reached through it. Hub contexts skip routing:
// the hub identity can address project subjects directly, which is
// the co-located on-prem case.
type masterContext struct {
	api       string
	accountID string
	hub       bool
	master    *conat.Client
	pool      *master.RoutedPool
	log       *slog.Logger

	mu        sync.Mutex
	locations map[string]hostLocation
}

func (m *masterContext) Call(ctx context.Context, workspaceID, service, method string, out any, args ...any) error {
	subject := conat.ProjectSubject(workspaceID, service, "api")
	if m.hub {
		return m.master.Call(ctx, subject, method, out, args...)
	}
	loc, err := m.locate(ctx, workspaceID)
	if err != nil {
		return err
	}
	return m.pool.Do(ctx, loc.HostID, workspaceID, func(client *conat.Client) error {
		return client.Call(ctx, subject, method, out, args...)
	})
}

func (m *masterContext) locate(ctx context.Context, workspaceID string) (hostLocation, error) {
	m.mu.Lock()
	loc, ok := m.locations[workspaceID]
	m.mu.Unlock()
	if ok {
		return loc, nil
	}
	if err := m.master.Call(ctx, conat.HubHostsSubject, "locateProjectHost", &loc, locateRequest{ProjectID: workspaceID}); err != nil {
		return hostLocation{}, err
	}
	if loc.HostID == "" || loc.ConatURL == "" {
		return hostLocation{}, fmt.Errorf("master returned an incomplete location for workspace %s", workspaceID)
	}
	m.mu.Lock()
	m.locations[workspaceID] = loc
	m.mu.Unlock()
	return loc, nil
}

func (m *masterContext) dialRouted(ctx context.Context, hostID, projectID string, tok master.RoutedToken) (*conat.Client, error) {
	m.mu.Lock()
	loc, ok := m.locations[projectID]
	m.mu.Unlock()
	if !ok || loc.HostID != hostID {
		return nil, fmt.Errorf("no cached location for workspace %s on host %s", projectID, hostID)
	}
	wsURL, err := busWSURL(loc.ConatURL)
	if err != nil {
		return nil, err
	}
	return conat.Dial(ctx, wsURL, core.Account(m.accountID), conat.WithBearer(tok.Token))
}

func (m *masterContext) Close() {
	m.pool.Close()
	m.master.Close()
}
