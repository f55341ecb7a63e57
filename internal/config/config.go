package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// specEnvAliases maps viper keys to the environment variable names the
// wider system already uses. AutomaticEnv covers the COCALC_HOST_*
// spellings; these are the documented aliases bound on top.
var specEnvAliases = map[string][]string{
	keyHostID:                 {"PROJECT_HOST_ID"},
	keyHostHTTPS:              {"COCALC_PROJECT_HOST_HTTPS"},
	keyHostMasterURL:          {"COCALC_MASTER_CONAT_SERVER"},
	keyCodexCacheTTLMS:        {"COCALC_CODEX_SUBSCRIPTION_CACHE_TTL_MS"},
	keyCodexCacheSweepMS:      {"COCALC_CODEX_SUBSCRIPTION_CACHE_SWEEP_MS"},
	keyCodexSharedHomeMode:    {"COCALC_CODEX_AUTH_SHARED_HOME_MODE"},
	keyCodexSubscriptionsRoot: {"COCALC_CODEX_SUBSCRIPTIONS_ROOT"},
}

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range HostOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range DaemonOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cocalc-host/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("COCALC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, names := range specEnvAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) HostAddress() string {
	return c.v.GetString(keyHostAddress) // COCALC_HOST_ADDRESS
}

// HostHTTPPort is the numeric port of the listen address, the local
// target of the reverse tunnel's HTTP forward.
func (c *Config) HostHTTPPort() int {
	_, port, err := net.SplitHostPort(c.HostAddress())
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

func (c *Config) HostHTTPS() bool {
	return c.v.GetBool(keyHostHTTPS) // COCALC_PROJECT_HOST_HTTPS
}

func (c *Config) HostTLSCert() string {
	return c.v.GetString(keyHostTLSCert) // COCALC_HOST_TLS_CERT
}

func (c *Config) HostTLSKey() string {
	return c.v.GetString(keyHostTLSKey) // COCALC_HOST_TLS_KEY
}

func (c *Config) HostBasePath() string {
	return c.v.GetString(keyHostBasePath) // COCALC_HOST_BASE_PATH
}

func (c *Config) HostAllowedOrigins() []string {
	return c.v.GetStringSlice(keyHostAllowedOrigins) // COCALC_HOST_ALLOWED_ORIGINS
}

func (c *Config) HostID() string {
	return c.v.GetString(keyHostID) // PROJECT_HOST_ID
}

func (c *Config) HostName() string {
	return c.v.GetString(keyHostName) // COCALC_HOST_NAME
}

func (c *Config) HostRegion() string {
	return c.v.GetString(keyHostRegion) // COCALC_HOST_REGION
}

func (c *Config) HostDataDir() string {
	return c.v.GetString(keyHostDataDir) // COCALC_HOST_DATA_DIR
}

// HostSecretsDir returns the secrets directory, defaulting to
// <data>/secrets when unset.
func (c *Config) HostSecretsDir() string {
	if dir := c.v.GetString(keyHostSecretsDir); dir != "" {
		return dir
	}
	return filepath.Join(c.HostDataDir(), "secrets")
}

func (c *Config) HostMasterURL() string {
	return c.v.GetString(keyHostMasterURL) // COCALC_MASTER_CONAT_SERVER
}

func (c *Config) HostPublicURL() string {
	return c.v.GetString(keyHostPublicURL) // COCALC_HOST_PUBLIC_URL
}

func (c *Config) HostInternalURL() string {
	return c.v.GetString(keyHostInternalURL) // COCALC_HOST_INTERNAL_URL
}

func (c *Config) HostSSHServer() string {
	return c.v.GetString(keyHostSSHServer) // COCALC_HOST_SSH_SERVER
}

func (c *Config) HostLocalSSHPort() int {
	return c.v.GetInt(keyHostLocalSSHPort) // COCALC_HOST_LOCAL_SSH_PORT
}

// HostProjectsRoot returns the root of project subvolumes, defaulting
// to <data>/projects when unset.
func (c *Config) HostProjectsRoot() string {
	if dir := c.v.GetString(keyHostProjectsRoot); dir != "" {
		return dir
	}
	return filepath.Join(c.HostDataDir(), "projects")
}

func (c *Config) HostWorkspaceImage() string {
	return c.v.GetString(keyHostWorkspaceImage) // COCALC_HOST_WORKSPACE_IMAGE
}

func (c *Config) HostPodmanPath() string {
	return c.v.GetString(keyHostPodmanPath) // COCALC_HOST_PODMAN_PATH
}

func (c *Config) HostLeaseTTL() time.Duration {
	return time.Duration(c.v.GetInt64(keyHostLeaseTTLMS)) * time.Millisecond // COCALC_HOST_LEASE_TTL_MS
}

// HostSessionTTL returns the proxy session cookie lifetime. The floor
// is five minutes.
func (c *Config) HostSessionTTL() time.Duration {
	ttl := time.Duration(c.v.GetInt64(keyHostSessionTTLMS)) * time.Millisecond // COCALC_HOST_SESSION_TTL_MS
	if ttl < 5*time.Minute {
		return 5 * time.Minute
	}
	return ttl
}

// CodexSubscriptionsRoot returns the credential-cache root, defaulting
// to <data>/codex when unset.
func (c *Config) CodexSubscriptionsRoot() string {
	if dir := c.v.GetString(keyCodexSubscriptionsRoot); dir != "" {
		return dir
	}
	return filepath.Join(c.HostDataDir(), "codex")
}

func (c *Config) CodexCacheTTL() time.Duration {
	return time.Duration(c.v.GetInt64(keyCodexCacheTTLMS)) * time.Millisecond // COCALC_CODEX_SUBSCRIPTION_CACHE_TTL_MS
}

func (c *Config) CodexCacheSweep() time.Duration {
	return time.Duration(c.v.GetInt64(keyCodexCacheSweepMS)) * time.Millisecond // COCALC_CODEX_SUBSCRIPTION_CACHE_SWEEP_MS
}

func (c *Config) CodexSharedHomeMode() string {
	return c.v.GetString(keyCodexSharedHomeMode) // COCALC_CODEX_AUTH_SHARED_HOME_MODE
}

func (c *Config) DaemonRPCTimeout() time.Duration {
	return time.Duration(c.v.GetInt64(keyDaemonRPCTimeoutMS)) * time.Millisecond // COCALC_DAEMON_RPC_TIMEOUT_MS
}

func (c *Config) DaemonConnectTimeout() time.Duration {
	return time.Duration(c.v.GetInt64(keyDaemonConnectTimeoutMS)) * time.Millisecond // COCALC_DAEMON_CONNECT_TIMEOUT_MS
}

func (c *Config) DaemonStartDeadline() time.Duration {
	return time.Duration(c.v.GetInt64(keyDaemonStartDeadlineMS)) * time.Millisecond // COCALC_DAEMON_START_DEADLINE_MS
}
