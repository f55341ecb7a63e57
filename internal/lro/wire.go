package lro

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/metrics"
)

// ProviderSet is the Wire provider set for the operation runtime.
var ProviderSet = wire.NewSet(ProvideRuntime, NewService)

// ProvideRuntime builds the runtime with metrics attached. Runners are
// registered by the components that own each operation kind.
func ProvideRuntime(m *metrics.Metrics) *Runtime {
	return NewRuntime(WithMetrics(m))
}
