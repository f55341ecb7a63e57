package tunnel

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/secrets"
)

// ProviderSet is the Wire provider set for the reverse tunnel.
var ProviderSet = wire.NewSet(ProvideKeyPair)

// ProvideKeyPair loads or creates the tunnel's SSH identity in the
// secrets directory.
func ProvideKeyPair(sec *secrets.Manager) (*KeyPair, error) {
	private, public, err := sec.TunnelKeyPaths()
	if err != nil {
		return nil, err
	}
	return LoadOrCreateKeyPair(private, public)
}
