package proxy

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/metrics"
	"github.com/sagemathinc/project-host/internal/store"
)

// ProviderSet is the Wire provider set for the proxy.
var ProviderSet = wire.NewSet(ProvideHandler)

// ProvideHandler builds the proxy from configuration. The store is the
// revocation source; the bus authorizer doubles as the membership
// source so both surfaces share one collaborator cache.
func ProvideHandler(conf *config.Config, sessions *core.SessionCodec, verifier *core.TokenVerifier, st *store.Store, auth *core.Authorizer, targets TargetResolver, m *metrics.Metrics) *Handler {
	return NewHandler(sessions, verifier, st, auth, targets,
		WithBasePath(conf.HostBasePath()),
		WithSecureCookies(conf.HostHTTPS()),
		WithProxyMetrics(m),
	)
}
