// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix COCALC_, plus the legacy aliases
//     bound in New, e.g. PROJECT_HOST_ID)
//  3. Config file (config.yaml in . or /etc/cocalc-host/)
//  4. Compiled defaults
package config

// Viper keys for host-mode configuration.
const (
	keyHostAddress        = "host.address"
	keyHostHTTPS          = "host.https"
	keyHostTLSCert        = "host.tls_cert"
	keyHostTLSKey         = "host.tls_key"
	keyHostBasePath       = "host.base_path"
	keyHostAllowedOrigins = "host.allowed_origins"
	keyHostID             = "host.id"
	keyHostName           = "host.name"
	keyHostRegion         = "host.region"
	keyHostDataDir        = "host.data_dir"
	keyHostSecretsDir     = "host.secrets_dir"
	keyHostMasterURL      = "host.master_url"
	keyHostPublicURL      = "host.public_url"
	keyHostInternalURL    = "host.internal_url"
	keyHostSSHServer      = "host.ssh_server"
	keyHostLocalSSHPort   = "host.local_ssh_port"
	keyHostProjectsRoot   = "host.projects_root"
	keyHostWorkspaceImage = "host.workspace_image"
	keyHostPodmanPath     = "host.podman_path"
	keyHostLeaseTTLMS     = "host.lease_ttl_ms"
	keyHostSessionTTLMS   = "host.session_ttl_ms"
)

// Viper keys for the codex credential cache.
const (
	keyCodexSubscriptionsRoot = "codex.subscriptions_root"
	keyCodexCacheTTLMS        = "codex.cache_ttl_ms"
	keyCodexCacheSweepMS      = "codex.cache_sweep_ms"
	keyCodexSharedHomeMode    = "codex.shared_home_mode"
)

// Viper keys for the client-side daemon.
const (
	keyDaemonRPCTimeoutMS     = "daemon.rpc_timeout_ms"
	keyDaemonConnectTimeoutMS = "daemon.connect_timeout_ms"
	keyDaemonStartDeadlineMS  = "daemon.start_deadline_ms"
)
