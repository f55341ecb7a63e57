package host

import (
	"encoding/json"
	"net/http"
	"strings"

	"connectrpc.com/authn"

	"github.com/sagemathinc/project-host/internal/conat"
	"github.com/sagemathinc/project-host/internal/config"
	"github.com/sagemathinc/project-host/internal/core"
	"github.com/sagemathinc/project-host/internal/master"
	"github.com/sagemathinc/project-host/internal/metrics"
	"github.com/sagemathinc/project-host/internal/middleware"
	"github.com/sagemathinc/project-host/internal/proxy"
	"github.com/sagemathinc/project-host/internal/secrets"
	"github.com/sagemathinc/project-host/internal/store"
)

// Handler owns the route table of the host's single listener.
type Handler struct {
	bus      *conat.Server
	busAuth  *authn.Middleware
	prox     *proxy.Handler
	metrics  *metrics.Metrics
	link     *master.Link
	hostID   string
	version  string
	basePath string
}

// NewHandler builds the route table. Bus sign-in authenticates against
// the local conat password, the stored project secrets and the
// master's routed-token verifier.
func NewHandler(conf *config.Config, sec *secrets.Manager, verifier *core.TokenVerifier, st *store.Store, bus *conat.Server, prox *proxy.Handler, m *metrics.Metrics, link *master.Link, id master.HostID, ver master.Version) (*Handler, error) {
	password, err := sec.ConatPassword()
	if err != nil {
		return nil, err
	}
	return &Handler{
		bus:      bus,
		busAuth:  middleware.NewBusAuth(password, verifier, st),
		prox:     prox,
		metrics:  m,
		link:     link,
		hostID:   string(id),
		version:  string(ver),
		basePath: conf.HostBasePath(),
	}, nil
}

// Mount registers the bus endpoint, metrics, health and the workspace
// proxy. The proxy takes the catch-all; it rejects anything that is
// not a workspace path.
func (h *Handler) Mount(mux *http.ServeMux) error {
	mux.Handle(h.busPath(), h.busAuth.Wrap(h.bus))
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/", h.prox)
	return nil
}

// busPath returns the bus websocket endpoint under the base path.
// Clients derive the same path from the API base URL.
func (h *Handler) busPath() string {
	trimmed := strings.Trim(h.basePath, "/")
	if trimmed == "" {
		return "/conat"
	}
	return "/" + trimmed + "/conat"
}

// health reports process liveness, the master link state and the live
// bus connection count.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"host_id":          h.hostID,
		"version":          h.version,
		"master_connected": h.link.Connected(),
		"live_connections": h.bus.LiveConnections(),
	})
}
