// Package secrets owns the host's on-disk credentials: the local
// conat password, the rotating master bearer token, and the key
// material derived from them. Files live under a 0700 secrets
// directory with mode 0600; environment variables override files for
// containerised deployments.
package secrets

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sagemathinc/project-host/internal/config"
)

// Environment overrides. *_PATH variants point at a file; the bare
// variants carry the value itself.
const (
	EnvConatPassword     = "COCALC_PROJECT_HOST_CONAT_PASSWORD"
	EnvConatPasswordPath = "COCALC_PROJECT_HOST_CONAT_PASSWORD_PATH"
	EnvMasterToken       = "COCALC_PROJECT_HOST_MASTER_CONAT_TOKEN"
	EnvMasterTokenPath   = "COCALC_PROJECT_HOST_MASTER_CONAT_TOKEN_PATH"
	EnvBootstrapToken    = "COCALC_PROJECT_HOST_BOOTSTRAP_TOKEN"
)

const (
	conatPasswordFile  = "project-host-conat-password"
	masterTokenFile    = "master-conat-token"
	bootstrapTokenFile = "bootstrap-token"
	tunnelKeyDir       = "launchpad"
	tunnelKeyFile      = "tunnel-key"
)

// Manager resolves and persists host credentials under one secrets
// directory.
type Manager struct {
	dir string
}

// New returns a Manager rooted at the configured secrets directory.
func New(conf *config.Config) *Manager {
	return &Manager{dir: conf.HostSecretsDir()}
}

// Dir returns the secrets directory.
func (m *Manager) Dir() string { return m.dir }

// ConatPassword returns the host's local bus password, generating and
// persisting a 256-bit secret on first use. Resolution order: value
// env var, path env var, secrets file.
func (m *Manager) ConatPassword() (string, error) {
	if v := strings.TrimSpace(os.Getenv(EnvConatPassword)); v != "" {
		return v, nil
	}
	if p := strings.TrimSpace(os.Getenv(EnvConatPasswordPath)); p != "" {
		v, err := readTrimmed(p)
		if err != nil {
			return "", fmt.Errorf("conat password from %s: %w", EnvConatPasswordPath, err)
		}
		if v == "" {
			return "", fmt.Errorf("conat password file %s is empty", p)
		}
		return v, nil
	}

	path := filepath.Join(m.dir, conatPasswordFile)
	v, err := readTrimmed(path)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}

	fresh, err := randomSecret()
	if err != nil {
		return "", err
	}
	if err := m.writeFile(path, fresh); err != nil {
		return "", err
	}
	return fresh, nil
}

// MasterToken returns the current master bearer token and whether the
// environment injected it. Empty token means absent: the caller falls
// back to the bootstrap token and asks the master to rotate.
func (m *Manager) MasterToken() (token string, fromEnv bool, err error) {
	if v := strings.TrimSpace(os.Getenv(EnvMasterToken)); v != "" {
		return v, true, nil
	}
	if p := strings.TrimSpace(os.Getenv(EnvMasterTokenPath)); p != "" {
		v, err := readTrimmed(p)
		if err != nil {
			return "", true, fmt.Errorf("master token from %s: %w", EnvMasterTokenPath, err)
		}
		return v, true, nil
	}
	v, err := readTrimmed(filepath.Join(m.dir, masterTokenFile))
	return v, false, err
}

// WriteMasterToken persists a rotated master token. Only the
// registration loop calls this.
func (m *Manager) WriteMasterToken(token string) error {
	return m.writeFile(filepath.Join(m.dir, masterTokenFile), token)
}

// BootstrapToken returns the one-time token used to acquire the first
// master bearer token, or empty if none is configured.
func (m *Manager) BootstrapToken() string {
	if v := strings.TrimSpace(os.Getenv(EnvBootstrapToken)); v != "" {
		return v
	}
	v, err := readTrimmed(filepath.Join(m.dir, bootstrapTokenFile))
	if err != nil {
		return ""
	}
	return v
}

// SessionKey derives the HMAC key for HTTP session tokens from the
// conat password via HKDF, so sessions survive restarts without a
// separate key file.
func (m *Manager) SessionKey() ([]byte, error) {
	password, err := m.ConatPassword()
	if err != nil {
		return nil, err
	}
	return hkdf.Key(sha256.New, []byte(password), nil, "http-session", 32)
}

// TunnelKeyPaths returns the private and public key paths for the
// reverse tunnel, creating the parent directory. The key pair itself
// is generated by the tunnel supervisor.
func (m *Manager) TunnelKeyPaths() (private, public string, err error) {
	dir := filepath.Join(m.dir, tunnelKeyDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create tunnel key dir: %w", err)
	}
	private = filepath.Join(dir, tunnelKeyFile)
	return private, private + ".pub", nil
}

// writeFile atomically writes a single-line secret with mode 0600,
// creating parents with mode 0700.
func (m *Manager) writeFile(path, value string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod secret: %w", err)
	}
	if _, err := tmp.WriteString(value + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write secret: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}

// readTrimmed reads a secret file, trimming whitespace. A missing
// file or an empty value both report "".
func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// randomSecret returns a 256-bit base64url value.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
