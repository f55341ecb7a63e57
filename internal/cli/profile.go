package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// AuthProfile is one saved way of talking to a master: the API base
// URL plus whichever credential the user signed in with.
type AuthProfile struct {
	API         string `json:"api,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	Cookie      string `json:"cookie,omitempty"`
	Bearer      string `json:"bearer,omitempty"`
	HubPassword string `json:"hub_password,omitempty"`
}

// ContextKey is a stable digest over the fields that decide which
// authenticated connection a request belongs to. The client daemon
// pools one bus context per key.
func (p AuthProfile) ContextKey(profileName string) string {
	h := sha256.New()
	for _, part := range []string{
		profileName, p.API, p.AccountID, p.APIKey, p.Cookie, p.Bearer, p.HubPassword,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AuthConfig is the on-disk profile set, one file per user.
type AuthConfig struct {
	CurrentProfile string                 `json:"current_profile,omitempty"`
	Profiles       map[string]AuthProfile `json:"profiles"`
}

var profileNameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidProfileName reports whether name is safe to store and to pass
// on a command line.
func ValidProfileName(name string) bool {
	return profileNameRE.MatchString(name)
}

// DefaultConfigPath is <user-config-dir>/cocalc/config.json.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "cocalc", "config.json"), nil
}

// LoadAuthConfig reads the profile file. A missing file is an empty
// config, not an error, so first runs need no setup step.
func LoadAuthConfig(path string) (*AuthConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &AuthConfig{Profiles: map[string]AuthProfile{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var conf AuthConfig
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if conf.Profiles == nil {
		conf.Profiles = map[string]AuthProfile{}
	}
	return &conf, nil
}

// SaveAuthConfig writes the profile file with owner-only permissions,
// creating parent directories as needed. The write goes through a
// temp file so a crash cannot leave a half-written config.
func SaveAuthConfig(conf *AuthConfig, path string) error {
	for name := range conf.Profiles {
		if !ValidProfileName(name) {
			return fmt.Errorf("invalid profile name %q", name)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Profile resolves name, falling back to the current profile when
// name is empty. An empty name with no current profile resolves to an
// anonymous zero profile; commands that need credentials check the
// fields they use.
func (c *AuthConfig) Profile(name string) (AuthProfile, string, error) {
	if name == "" {
		name = c.CurrentProfile
	}
	if name == "" {
		return AuthProfile{}, "", nil
	}
	p, ok := c.Profiles[name]
	if !ok {
		return AuthProfile{}, "", fmt.Errorf("profile %q not found", name)
	}
	return p, name, nil
}

// SetProfile upserts a named profile.
func (c *AuthConfig) SetProfile(name string, p AuthProfile) error {
	if !ValidProfileName(name) {
		return fmt.Errorf("invalid profile name %q: use letters, digits, dot, dash or underscore", name)
	}
	if c.Profiles == nil {
		c.Profiles = map[string]AuthProfile{}
	}
	c.Profiles[name] = p
	return nil
}

// RemoveProfile deletes a profile and clears the current marker when
// it pointed at the removed entry.
func (c *AuthConfig) RemoveProfile(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile %q not found", name)
	}
	delete(c.Profiles, name)
	if c.CurrentProfile == name {
		c.CurrentProfile = ""
	}
	return nil
}
