package store

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/core"
)

// ProviderSet is the Wire provider set for the storage layer.
var ProviderSet = wire.NewSet(
	ProvideStore,
	wire.Bind(new(core.CollaboratorSource), new(*Store)),
)
