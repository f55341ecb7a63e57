package secrets

import (
	"github.com/google/wire"

	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
)

// ProviderSet is the Wire provider set for credential management.
var ProviderSet = wire.NewSet(New, ProvideSessionCodec)

// ProvideSessionCodec builds the proxy's session codec from the
// HKDF-derived cookie key, so sessions stay valid across restarts
// without a separate secret file.
func ProvideSessionCodec(conf *config.Config, m *Manager) (*core.SessionCodec, error) {
	key, err := m.SessionKey()
	if err != nil {
		return nil, err
	}
	return core.NewSessionCodec(key, conf.HostSessionTTL())
}
