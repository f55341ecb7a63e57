package host

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sagemathinc/project-host/internal/pki"
)

func TestServerTLS_Disabled(t *testing.T) {
	t.Parallel()

	cfg, err := serverTLS(Config{HTTPS: false, TLSCert: "ignored.pem", TLSKey: "ignored.pem"})
	if err != nil {
		t.Fatalf("serverTLS: %v", err)
	}
	if cfg != nil {
		t.Fatalf("got a TLS config with HTTPS off: %+v", cfg)
	}
}

func TestServerTLS_ConfiguredPairWins(t *testing.T) {
	t.Parallel()

	ca, err := pki.NewCA()
	if err != nil {
		t.Fatalf("NewCA: %v", err)
	}
	keyPEM, err := ca.KeyPEM()
	if err != nil {
		t.Fatalf("KeyPEM: %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certPath, ca.CertPEM(), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfg, err := serverTLS(Config{HTTPS: true, TLSCert: certPath, TLSKey: keyPath, SecretsDir: dir})
	if err != nil {
		t.Fatalf("serverTLS: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	// Configured files must win over the self-signed fallback.
	if _, err := os.Stat(filepath.Join(dir, "pki")); !os.IsNotExist(err) {
		t.Fatalf("pki directory created despite configured pair (stat err %v)", err)
	}
}

func TestServerTLS_MissingPair(t *testing.T) {
	t.Parallel()

	_, err := serverTLS(Config{
		HTTPS:   true,
		TLSCert: filepath.Join(t.TempDir(), "absent.crt"),
		TLSKey:  filepath.Join(t.TempDir(), "absent.key"),
	})
	if err == nil {
		t.Fatal("expected an error for missing certificate files")
	}
}

func TestServerTLS_SelfSignedFallbackPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := serverTLS(Config{HTTPS: true, Address: "node7.internal:9100", SecretsDir: dir})
	if err != nil {
		t.Fatalf("serverTLS: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(cfg.Certificates))
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	for _, name := range []string{"localhost", "node7.internal"} {
		if !slices.Contains(leaf.DNSNames, name) {
			t.Errorf("leaf DNS names %v missing %q", leaf.DNSNames, name)
		}
	}

	caPath := filepath.Join(dir, "pki", "ca.pem")
	first, err := os.ReadFile(caPath)
	if err != nil {
		t.Fatalf("read persisted CA: %v", err)
	}

	// A restart must reuse the persisted CA, not mint a new one.
	if _, err := serverTLS(Config{HTTPS: true, Address: "node7.internal:9100", SecretsDir: dir}); err != nil {
		t.Fatalf("second serverTLS: %v", err)
	}
	second, err := os.ReadFile(caPath)
	if err != nil {
		t.Fatalf("re-read persisted CA: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("CA changed between runs")
	}
}

func TestTLSHosts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		address string
		want    []string
		exclude []string
	}{
		{":9100", []string{"localhost", "127.0.0.1", "::1"}, []string{""}},
		{"0.0.0.0:9100", []string{"localhost"}, []string{"0.0.0.0"}},
		{"[::]:9100", []string{"::1"}, []string{"::"}},
		{"node7.internal:8443", []string{"node7.internal", "localhost"}, nil},
		{"10.20.0.5:443", []string{"10.20.0.5"}, nil},
	}
	for _, tc := range cases {
		got := tlsHosts(tc.address)
		for _, name := range tc.want {
			if !slices.Contains(got, name) {
				t.Errorf("tlsHosts(%q) = %v, missing %q", tc.address, got, name)
			}
		}
		for _, name := range tc.exclude {
			if slices.Contains(got, name) {
				t.Errorf("tlsHosts(%q) = %v, must not contain %q", tc.address, got, name)
			}
		}
	}
}
