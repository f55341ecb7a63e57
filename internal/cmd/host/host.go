// Package host implements the node-agent runtime: one HTTP(S) listener
// carrying the bus websocket endpoint, the authenticating workspace
// proxy, metrics and health, plus the master link, the reverse tunnel
// supervisor, and the periodic maintenance loops.
package host

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sagemathinc/project-host/internal/codex"
	"github.com/sagemathinc/project-host/internal/master"
	"github.com/sagemathinc/project-host/internal/pki"
	"github.com/sagemathinc/project-host/internal/transport"
	"github.com/sagemathinc/project-host/internal/transport/http"
	"github.com/sagemathinc/project-host/internal/tunnel"
)

// Config holds the runtime parameters for a Host.
type Config struct {
	Address        string
	AllowedOrigins []string
	HTTPS          bool
	TLSCert        string
	TLSKey         string

	// SecretsDir holds the self-signed CA used when HTTPS is on but no
	// certificate files are configured.
	SecretsDir string
}

// Host binds the HTTP listener, the master link, the reverse tunnel
// supervisor, the credential sweeper and the background loops, running
// them in parallel via transport.Serve.
type Host struct {
	handler    *Handler
	link       *master.Link
	supervisor *tunnel.Supervisor
	sweeper    *codex.Sweeper
	background BackgroundListeners
}

// NewHost returns a Host wired to the given components.
func NewHost(handler *Handler, link *master.Link, supervisor *tunnel.Supervisor, sweeper *codex.Sweeper, background BackgroundListeners) *Host {
	return &Host{
		handler:    handler,
		link:       link,
		supervisor: supervisor,
		sweeper:    sweeper,
		background: background,
	}
}

// Run starts every listener and blocks until ctx is cancelled or an
// unrecoverable error occurs.
func (h *Host) Run(ctx context.Context, cfg Config) error {
	tlsCfg, err := serverTLS(cfg)
	if err != nil {
		return err
	}

	httpSrv, err := http.NewServer(
		http.WithAddress(cfg.Address),
		http.WithAllowedOrigins(cfg.AllowedOrigins),
		http.WithTLS(tlsCfg),
		http.WithMount(h.handler.Mount),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	listeners := append([]transport.Listener{httpSrv, h.link, h.supervisor, h.sweeper}, h.background...)
	return transport.Serve(ctx, listeners...)
}

// serverTLS resolves the listener's TLS configuration. Configured
// certificate files win; HTTPS without them falls back to a self-signed
// identity persisted under the secrets directory.
func serverTLS(cfg Config) (*tls.Config, error) {
	if !cfg.HTTPS {
		return nil, nil
	}
	var cert tls.Certificate
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		var err error
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
	} else {
		ca, err := pki.LoadOrCreateCA(filepath.Join(cfg.SecretsDir, "pki"))
		if err != nil {
			return nil, err
		}
		cert, err = ca.ServerCertificate(tlsHosts(cfg.Address)...)
		if err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// tlsHosts collects subject names for a self-signed certificate: the
// configured listen host when it is one, the machine hostname, and the
// loopback names.
func tlsHosts(address string) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if h, _, err := net.SplitHostPort(address); err == nil && h != "" && h != "0.0.0.0" && h != "::" {
		hosts = append(hosts, h)
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		hosts = append(hosts, name)
	}
	return hosts
}
