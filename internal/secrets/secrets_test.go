package secrets

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	// Clear ambient overrides so the test controls resolution.
	for _, key := range []string{
		EnvConatPassword, EnvConatPasswordPath,
		EnvMasterToken, EnvMasterTokenPath,
		EnvBootstrapToken,
	} {
		t.Setenv(key, "")
	}
	return &Manager{dir: filepath.Join(t.TempDir(), "secrets")}
}

func TestManager_ConatPassword_GeneratedAndStable(t *testing.T) {
	m := newTestManager(t)

	first, err := m.ConatPassword()
	if err != nil {
		t.Fatalf("ConatPassword: %v", err)
	}
	if len(first) < 40 {
		t.Errorf("password %q looks too short for 256 bits", first)
	}

	second, err := m.ConatPassword()
	if err != nil {
		t.Fatalf("ConatPassword second read: %v", err)
	}
	if second != first {
		t.Error("password changed between reads")
	}

	path := filepath.Join(m.dir, "project-host-conat-password")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat password file: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("password file mode %o, want 0600", got)
	}
	dirInfo, err := os.Stat(m.dir)
	if err != nil {
		t.Fatalf("stat secrets dir: %v", err)
	}
	if got := dirInfo.Mode().Perm(); got != 0o700 {
		t.Errorf("secrets dir mode %o, want 0700", got)
	}
}

func TestManager_ConatPassword_EnvOverrides(t *testing.T) {
	m := newTestManager(t)

	t.Setenv(EnvConatPassword, "  from-env \n")
	got, err := m.ConatPassword()
	if err != nil {
		t.Fatalf("ConatPassword: %v", err)
	}
	if got != "from-env" {
		t.Errorf("got %q, want trimmed env value", got)
	}

	t.Setenv(EnvConatPassword, "")
	passwordFile := filepath.Join(t.TempDir(), "pw")
	if err := os.WriteFile(passwordFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write password file: %v", err)
	}
	t.Setenv(EnvConatPasswordPath, passwordFile)
	got, err = m.ConatPassword()
	if err != nil {
		t.Fatalf("ConatPassword: %v", err)
	}
	if got != "from-file" {
		t.Errorf("got %q, want value from path override", got)
	}
}

func TestManager_MasterToken(t *testing.T) {
	m := newTestManager(t)

	token, fromEnv, err := m.MasterToken()
	if err != nil {
		t.Fatalf("MasterToken: %v", err)
	}
	if token != "" || fromEnv {
		t.Errorf("got (%q, %v), want absent from disk", token, fromEnv)
	}

	if err := m.WriteMasterToken("tok-1"); err != nil {
		t.Fatalf("WriteMasterToken: %v", err)
	}
	token, fromEnv, err = m.MasterToken()
	if err != nil {
		t.Fatalf("MasterToken after write: %v", err)
	}
	if token != "tok-1" || fromEnv {
		t.Errorf("got (%q, %v), want (tok-1, false)", token, fromEnv)
	}

	info, err := os.Stat(filepath.Join(m.dir, "master-conat-token"))
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("token file mode %o, want 0600", got)
	}

	// Rotation overwrites in place.
	if err := m.WriteMasterToken("tok-2"); err != nil {
		t.Fatalf("WriteMasterToken rotate: %v", err)
	}
	token, _, err = m.MasterToken()
	if err != nil {
		t.Fatalf("MasterToken after rotate: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("got %q, want tok-2", token)
	}

	t.Setenv(EnvMasterToken, "tok-env")
	token, fromEnv, err = m.MasterToken()
	if err != nil {
		t.Fatalf("MasterToken with env: %v", err)
	}
	if token != "tok-env" || !fromEnv {
		t.Errorf("got (%q, %v), want (tok-env, true)", token, fromEnv)
	}
}

func TestManager_MasterToken_WhitespaceFileIsAbsent(t *testing.T) {
	m := newTestManager(t)
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "master-conat-token"), []byte("  \n\t\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	token, _, err := m.MasterToken()
	if err != nil {
		t.Fatalf("MasterToken: %v", err)
	}
	if token != "" {
		t.Errorf("got %q, want whitespace-only file treated as absent", token)
	}
}

func TestManager_BootstrapToken(t *testing.T) {
	m := newTestManager(t)

	if got := m.BootstrapToken(); got != "" {
		t.Errorf("got %q, want empty with nothing configured", got)
	}

	if err := m.writeFile(filepath.Join(m.dir, "bootstrap-token"), "boot-1"); err != nil {
		t.Fatalf("write bootstrap file: %v", err)
	}
	if got := m.BootstrapToken(); got != "boot-1" {
		t.Errorf("got %q, want boot-1", got)
	}

	t.Setenv(EnvBootstrapToken, "boot-env")
	if got := m.BootstrapToken(); got != "boot-env" {
		t.Errorf("got %q, want the env value to win", got)
	}
}

func TestManager_SessionKey_StableAndDistinct(t *testing.T) {
	m := newTestManager(t)

	key1, err := m.SessionKey()
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	if len(key1) != 32 {
		t.Fatalf("got %d-byte key, want 32", len(key1))
	}
	key2, err := m.SessionKey()
	if err != nil {
		t.Fatalf("SessionKey second read: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("session key not stable for a stable password")
	}

	password, err := m.ConatPassword()
	if err != nil {
		t.Fatalf("ConatPassword: %v", err)
	}
	if bytes.Contains(key1, []byte(password)) {
		t.Error("session key must not embed the raw password")
	}
}

func TestManager_TunnelKeyPaths(t *testing.T) {
	m := newTestManager(t)

	private, public, err := m.TunnelKeyPaths()
	if err != nil {
		t.Fatalf("TunnelKeyPaths: %v", err)
	}
	if filepath.Dir(private) != filepath.Join(m.dir, "launchpad") {
		t.Errorf("private key in %q, want the launchpad dir", filepath.Dir(private))
	}
	if public != private+".pub" {
		t.Errorf("got public %q, want %q", public, private+".pub")
	}
	info, err := os.Stat(filepath.Dir(private))
	if err != nil {
		t.Fatalf("stat launchpad dir: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o700 {
		t.Errorf("launchpad dir mode %o, want 0700", got)
	}
}
