// Package codex manages the per-account codex credential cache: opaque
// auth.json payloads pulled from the master's auth registry on use,
// pushed after local logins, kept warm with an existence cache, and
// garbage-collected once no container uses them.
package codex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sagemathinc/project-host/internal/core"
)

const (
	authFile   = "auth.json"
	configFile = "config.toml"
	markerFile = ".last_used"

	// MountDestination is where workspace containers bind an
	// account's credential directory. The GC scans for it.
	MountDestination = "/root/.codex"

	// defaultExistsTTL caps how long a central existence verdict is
	// trusted without a fresh round-trip.
	defaultExistsTTL = 30 * time.Second

	registryCallTimeout = 10 * time.Second
)

// configContents forces the codex CLI to keep credentials in auth.json
// instead of a keyring, so the directory stays the single source of
// truth the registry can sync.
const configContents = "# managed by cocalc-host\ncli_auth_credentials_store = \"file\"\n"

// Selector keys one credential payload in the master's auth registry.
type Selector struct {
	Provider       string `json:"provider"`
	Kind           string `json:"kind"`
	Scope          string `json:"scope"`
	OwnerAccountID string `json:"owner_account_id"`
}

// AccountSelector is the selector for an account's codex subscription
// credentials.
func AccountSelector(accountID string) Selector {
	return Selector{
		Provider:       "openai",
		Kind:           "codex-subscription-auth-json",
		Scope:          "account",
		OwnerAccountID: accountID,
	}
}

// RegistryClient is the master's auth registry. The master package
// implements it over the bus; a nil client runs the cache local-only.
type RegistryClient interface {
	Put(ctx context.Context, sel Selector, payload []byte) error
	Get(ctx context.Context, sel Selector) ([]byte, error)
	Exists(ctx context.Context, sel Selector) (bool, error)
	Touch(ctx context.Context, sel Selector) error
	Delete(ctx context.Context, sel Selector) error
}

// CacheOption configures the cache.
type CacheOption func(*Cache)

// WithExistsTTL overrides the existence-cache TTL.
func WithExistsTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.existsTTL = ttl }
}

// WithCacheLogger overrides the default logger.
func WithCacheLogger(log *slog.Logger) CacheOption {
	return func(c *Cache) { c.log = log }
}

// WithCacheClock overrides the clock, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

type existsEntry struct {
	present bool
	expires time.Time
}

// Cache is the on-disk credential cache rooted at the subscriptions
// directory, one subdirectory per account.
type Cache struct {
	root      string
	registry  RegistryClient
	existsTTL time.Duration
	log       *slog.Logger
	now       func() time.Time

	flight singleflight.Group
	mu     sync.Mutex
	exists map[string]existsEntry
}

// NewCache builds a cache over the subscriptions root. A nil registry
// disables central sync; local files then are the whole truth.
func NewCache(root string, registry RegistryClient, opts ...CacheOption) *Cache {
	c := &Cache{
		root:      root,
		registry:  registry,
		existsTTL: defaultExistsTTL,
		log:       slog.Default().With("component", "codex"),
		now:       time.Now,
		exists:    make(map[string]existsEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir is the credential directory for an account.
func (c *Cache) Dir(accountID string) string {
	return filepath.Join(c.root, accountID)
}

// Resolve makes the account's credentials usable on disk and returns
// their directory. Pull-on-use: a local copy is validated against the
// central registry (absent centrally means revoked, so the local copy
// is dropped); a missing local copy is pulled. Every successful
// resolution touches the last-used marker and notifies the registry
// fire-and-forget.
func (c *Cache) Resolve(ctx context.Context, accountID string) (string, error) {
	if !core.IsUUID(accountID) {
		return "", &core.ErrInvalidInput{Field: "account_id", Message: "not a UUID"}
	}
	dir := c.Dir(accountID)
	authPath := filepath.Join(dir, authFile)

	local := fileExists(authPath)
	if local && c.registry != nil {
		present, err := c.centralExists(ctx, accountID)
		switch {
		case err != nil:
			// The registry being unreachable is not a revocation.
			c.log.Warn("existence check failed, trusting local credentials",
				"account_id", accountID, "err", err)
		case !present:
			c.log.Info("credentials revoked centrally, dropping local copy",
				"account_id", accountID)
			if err := os.Remove(authPath); err != nil && !os.IsNotExist(err) {
				return "", fmt.Errorf("drop revoked credentials: %w", err)
			}
			local = false
		}
	}

	if !local {
		if c.registry == nil {
			return "", &core.ErrNotFound{Resource: "codex credentials", ID: accountID}
		}
		payload, err := c.registry.Get(ctx, AccountSelector(accountID))
		if err != nil {
			return "", fmt.Errorf("pull codex credentials for %s: %w", accountID, err)
		}
		if err := c.writeLocal(dir, payload); err != nil {
			return "", err
		}
		c.storeExists(accountID, true)
	} else if err := c.ensureConfig(dir); err != nil {
		return "", err
	}

	if err := c.touchMarker(dir); err != nil {
		return "", err
	}
	if c.registry != nil {
		go c.notifyUse(accountID)
	}
	return dir, nil
}

// StoreLogin persists a fresh local login and pushes it to the
// registry so the account's other hosts can pull it.
func (c *Cache) StoreLogin(ctx context.Context, accountID string, payload []byte) error {
	if !core.IsUUID(accountID) {
		return &core.ErrInvalidInput{Field: "account_id", Message: "not a UUID"}
	}
	if len(payload) == 0 {
		return &core.ErrInvalidInput{Field: "auth.json", Message: "empty payload"}
	}
	dir := c.Dir(accountID)
	if err := c.writeLocal(dir, payload); err != nil {
		return err
	}
	if err := c.touchMarker(dir); err != nil {
		return err
	}
	if c.registry != nil {
		if err := c.registry.Put(ctx, AccountSelector(accountID), payload); err != nil {
			return fmt.Errorf("push codex credentials for %s: %w", accountID, err)
		}
	}
	c.storeExists(accountID, true)
	return nil
}

// writeLocal lays the directory out: 0700 dir, 0600 auth.json written
// via temp-and-rename, and the config file forcing file-based storage.
func (c *Cache) writeLocal(dir string, payload []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".auth-*")
	if err != nil {
		return fmt.Errorf("stage auth.json: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("stage auth.json: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("stage auth.json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage auth.json: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, authFile)); err != nil {
		return fmt.Errorf("install auth.json: %w", err)
	}
	return c.ensureConfig(dir)
}

func (c *Cache) ensureConfig(dir string) error {
	path := filepath.Join(dir, configFile)
	if data, err := os.ReadFile(path); err == nil && string(data) == configContents {
		return nil
	}
	if err := os.WriteFile(path, []byte(configContents), 0o600); err != nil {
		return fmt.Errorf("write codex config: %w", err)
	}
	return nil
}

func (c *Cache) touchMarker(dir string) error {
	path := filepath.Join(dir, markerFile)
	now := c.now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return fmt.Errorf("touch last-used marker: %w", err)
	}
	return nil
}

// notifyUse tells the registry the credentials were used. Failures are
// logged and dropped; usage accounting is advisory.
func (c *Cache) notifyUse(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
	defer cancel()
	if err := c.registry.Touch(ctx, AccountSelector(accountID)); err != nil {
		c.log.Debug("registry touch failed", "account_id", accountID, "err", err)
	}
}

// centralExists answers "does the registry hold credentials for this
// account", cached for existsTTL and single-flighted so a burst of
// resolutions costs one round-trip.
func (c *Cache) centralExists(ctx context.Context, accountID string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.exists[accountID]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.present, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(accountID, func() (any, error) {
		present, err := c.registry.Exists(ctx, AccountSelector(accountID))
		if err != nil {
			return false, err
		}
		c.storeExists(accountID, present)
		return present, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Cache) storeExists(accountID string, present bool) {
	c.mu.Lock()
	c.exists[accountID] = existsEntry{present: present, expires: c.now().Add(c.existsTTL)}
	c.mu.Unlock()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
