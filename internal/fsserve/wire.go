package fsserve

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/runtime"
)

// ProviderSet is the Wire provider set for the project file service.
var ProviderSet = wire.NewSet(ProvideService)

// ProvideService builds the file service over the btrfs volume layout
// and the workspace lease table.
func ProvideService(disk *runtime.Disk, leases *runtime.Leases) (*Service, error) {
	return NewService(disk, leases)
}
