package config

import "strings"

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// HostOptions defines the configuration entries available to the
// `serve` command. Each entry is registered as a viper default and a
// CLI flag.
var HostOptions = []Option{
	{Key: keyHostAddress, Flag: toFlag(keyHostAddress), Default: ":9100", Description: "Host listen address"},
	{Key: keyHostHTTPS, Flag: toFlag(keyHostHTTPS), Default: false, Description: "Serve HTTPS on the host listener"},
	{Key: keyHostTLSCert, Flag: toFlag(keyHostTLSCert), Default: "", Description: "Path to the TLS certificate (https only)"},
	{Key: keyHostTLSKey, Flag: toFlag(keyHostTLSKey), Default: "", Description: "Path to the TLS private key (https only)"},
	{Key: keyHostBasePath, Flag: toFlag(keyHostBasePath), Default: "/", Description: "Base path the host is served under"},
	{Key: keyHostAllowedOrigins, Flag: toFlag(keyHostAllowedOrigins), Default: []string{}, Description: "Allowed CORS origins"},
	{Key: keyHostID, Flag: toFlag(keyHostID), Default: "", Description: "Override the persisted host identity (UUID)"},
	{Key: keyHostName, Flag: toFlag(keyHostName), Default: "", Description: "Human-readable host name reported to the master"},
	{Key: keyHostRegion, Flag: toFlag(keyHostRegion), Default: "", Description: "Region label reported to the master"},
	{Key: keyHostDataDir, Flag: toFlag(keyHostDataDir), Default: "/var/lib/cocalc-host", Description: "Host data directory"},
	{Key: keyHostSecretsDir, Flag: toFlag(keyHostSecretsDir), Default: "", Description: "Secrets directory (default <data>/secrets)"},
	{Key: keyHostMasterURL, Flag: toFlag(keyHostMasterURL), Default: "", Description: "Master conat server URL"},
	{Key: keyHostPublicURL, Flag: toFlag(keyHostPublicURL), Default: "", Description: "Public URL clients use to reach this host"},
	{Key: keyHostInternalURL, Flag: toFlag(keyHostInternalURL), Default: "", Description: "Internal URL the master uses to reach this host"},
	{Key: keyHostSSHServer, Flag: toFlag(keyHostSSHServer), Default: "", Description: "SSH endpoint advertised for workspace logins"},
	{Key: keyHostLocalSSHPort, Flag: toFlag(keyHostLocalSSHPort), Default: 22, Description: "Local sshd port forwarded through the reverse tunnel"},
	{Key: keyHostProjectsRoot, Flag: toFlag(keyHostProjectsRoot), Default: "", Description: "Root of project subvolumes (default <data>/projects)"},
	{Key: keyHostWorkspaceImage, Flag: toFlag(keyHostWorkspaceImage), Default: "docker.io/sagemathinc/cocalc-workspace:latest", Description: "Container image for project workspaces"},
	{Key: keyHostPodmanPath, Flag: toFlag(keyHostPodmanPath), Default: "podman", Description: "Path to the podman binary"},
	{Key: keyHostLeaseTTLMS, Flag: toFlag(keyHostLeaseTTLMS), Default: 60_000, Description: "Warm window after the last workspace lease is released, in milliseconds"},
	{Key: keyHostSessionTTLMS, Flag: toFlag(keyHostSessionTTLMS), Default: 30 * 24 * 60 * 60 * 1000, Description: "Proxy session cookie lifetime in milliseconds"},
	{Key: keyCodexSubscriptionsRoot, Flag: toFlag(keyCodexSubscriptionsRoot), Default: "", Description: "Root of the codex credential cache (default <data>/codex)"},
	{Key: keyCodexCacheTTLMS, Flag: toFlag(keyCodexCacheTTLMS), Default: 72 * 60 * 60 * 1000, Description: "Credential cache TTL in milliseconds"},
	{Key: keyCodexCacheSweepMS, Flag: toFlag(keyCodexCacheSweepMS), Default: 60 * 60 * 1000, Description: "Credential cache sweep interval in milliseconds"},
	{Key: keyCodexSharedHomeMode, Flag: toFlag(keyCodexSharedHomeMode), Default: "fallback", Description: "Shared codex home mode: fallback, prefer or always"},
}

// DaemonOptions defines the configuration entries available to the
// `daemon` command and to CLI invocations that talk to it.
var DaemonOptions = []Option{
	{Key: keyDaemonRPCTimeoutMS, Flag: toFlag(keyDaemonRPCTimeoutMS), Default: 30_000, Description: "Daemon request timeout in milliseconds"},
	{Key: keyDaemonConnectTimeoutMS, Flag: toFlag(keyDaemonConnectTimeoutMS), Default: 3_000, Description: "Daemon socket connect timeout in milliseconds"},
	{Key: keyDaemonStartDeadlineMS, Flag: toFlag(keyDaemonStartDeadlineMS), Default: 8_000, Description: "Deadline for daemon auto-start in milliseconds"},
}

// toFlag converts a viper key like "host.local_ssh_port" into a CLI
// flag like "local-ssh-port" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the mode prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "host-")
	flag = strings.TrimPrefix(flag, "daemon-")
	return flag
}
