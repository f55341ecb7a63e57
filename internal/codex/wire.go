package codex

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/metrics"
	"github.com/sagemathinc/project-host/internal/runtime"
)

// ProviderSet is the Wire provider set for the codex credential cache,
// its garbage collector and its bus service.
var ProviderSet = wire.NewSet(ProvideCache, ProvideSweeper, ProvideService)

// ProvideCache builds the credential cache over the configured
// subscriptions root. The registry client is the master's auth
// registry.
func ProvideCache(conf *config.Config, registry RegistryClient) *Cache {
	return NewCache(conf.CodexSubscriptionsRoot(), registry)
}

// ProvideSweeper builds the credential GC from configuration.
func ProvideSweeper(conf *config.Config, cli *runtime.CLI, m *metrics.Metrics) (*Sweeper, error) {
	return NewSweeper(conf.CodexSubscriptionsRoot(), cli,
		WithCredentialTTL(conf.CodexCacheTTL()),
		WithSweepInterval(conf.CodexCacheSweep()),
		WithSweeperMetrics(m))
}

// ProvideService builds the codex bus service on the workspace
// runtime.
func ProvideService(conf *config.Config, cache *Cache, cli *runtime.CLI, leases *runtime.Leases) (*Service, error) {
	return NewService(cache, cli, leases, WithSharedHomeMode(conf.CodexSharedHomeMode()))
}
