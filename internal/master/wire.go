package master

import (
	"context"

	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/codex"
	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/lro"
	"github.com/sagemathinc/project-host/internal/proxy"
	"github.com/sagemathinc/project-host/internal/runtime"
	"github.com/sagemathinc/project-host/internal/secrets"
	"github.com/sagemathinc/project-host/internal/store"
	"github.com/sagemathinc/project-host/internal/tunnel"
)

// HostID is the durable host identity, resolved once at startup and
// threaded through the graph.
type HostID string

// Version is the running software version, stamped at build time. It
// goes into registration payloads and floors upgrade targets.
type Version string

// ProviderSet is the Wire provider set for the master relationship.
var ProviderSet = wire.NewSet(
	ProvideHostID,
	ProvideVerifier,
	ProvideControl,
	ProvideLink,
	ProvideSupervisor,
	NewAuthRegistry,
	wire.Bind(new(Caller), new(*Link)),
	wire.Bind(new(codex.RegistryClient), new(*AuthRegistry)),
)

// ProvideHostID resolves the durable host id, honouring the
// configuration override.
func ProvideHostID(conf *config.Config, st *store.Store) (HostID, error) {
	id, err := st.HostID(context.Background(), conf.HostID())
	return HostID(id), err
}

// ProvideVerifier builds the routed-token verifier. The link installs
// its key material after registration and follows broadcast rotations.
func ProvideVerifier(id HostID) *core.TokenVerifier {
	return core.NewTokenVerifier(string(id))
}

// ProvideControl builds the control service from configuration.
func ProvideControl(id HostID, ver Version, conf *config.Config, st *store.Store, cli *runtime.CLI, disk *runtime.Disk, acl *core.Authorizer, ops *lro.Runtime) (*Control, error) {
	return NewControl(string(id), conf.HostDataDir(), st, cli, disk, acl, ops,
		WithControlVersion(string(ver)),
		WithWorkspaceImage(conf.HostWorkspaceImage()),
		WithCodexRoot(conf.CodexSubscriptionsRoot()),
	)
}

// ProvideLink builds the master link: registration payload from
// configuration and the tunnel key, heartbeat load from the bus, the
// proxy and the operation runtime, the control service served on every
// session, and revocation broadcasts persisted to the store.
func ProvideLink(id HostID, ver Version, conf *config.Config, sec *secrets.Manager, verifier *core.TokenVerifier, control *Control, keys *tunnel.KeyPair, srv *conat.Server, prox *proxy.Handler, ops *lro.Runtime, st *store.Store) (*Link, error) {
	info := func(context.Context) (core.RegisterInfo, error) {
		return core.RegisterInfo{
			ID:                 string(id),
			Name:               conf.HostName(),
			Region:             conf.HostRegion(),
			PublicURL:          conf.HostPublicURL(),
			InternalURL:        conf.HostInternalURL(),
			SSHServer:          conf.HostSSHServer(),
			SshpiperdPublicKey: keys.AuthorizedKey,
			Version:            string(ver),
		}, nil
	}
	load := func() (int, int) {
		counts := ops.Counts()
		active := counts[lro.StatusQueued] + counts[lro.StatusRunning]
		return srv.LiveConnections() + prox.LiveWebSockets(), active
	}
	return NewLink(conf.HostMasterURL(), string(id), sec, verifier,
		WithVersion(string(ver)),
		WithRegisterInfo(info),
		WithLoad(load),
		WithLinkServices(control.Definition()),
		WithRevocationSink(st.PutRevocation),
	)
}

// ProvideSupervisor builds the reverse tunnel supervisor registered
// through the link.
func ProvideSupervisor(link *Link, keys *tunnel.KeyPair, conf *config.Config) (*tunnel.Supervisor, error) {
	return tunnel.NewSupervisor(link.TunnelRegistrar(keys.AuthorizedKey), keys,
		tunnel.WithLocalPorts(conf.HostHTTPPort(), conf.HostLocalSSHPort()),
	)
}
