package pki

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LoadOrCreateCA loads the host CA from dir, generating and
// persisting a fresh one on first start. Reloading the same CA across
// restarts keeps the self-signed HTTPS identity stable, so browsers
// that accepted it once are not re-prompted.
func LoadOrCreateCA(dir string) (*CA, error) {
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	certPEM, errC := os.ReadFile(certPath)
	keyPEM, errK := os.ReadFile(keyPath)
	if errC == nil && errK == nil {
		slog.Info("loading existing CA", "dir", dir)
		return LoadCA(certPEM, keyPEM)
	}

	// First run: generate and persist.
	slog.Info("generating new CA", "dir", dir)
	ca, err := NewCA()
	if err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create CA dir: %w", err)
	}

	keyPEM, err = ca.KeyPEM()
	if err != nil {
		return nil, fmt.Errorf("export CA key: %w", err)
	}

	// Write cert and key atomically (write to temp + rename) so that
	// a crash between the two writes does not leave a half-written
	// CA state on disk.
	if err := atomicWriteFile(certPath, ca.CertPEM(), 0o600); err != nil {
		return nil, fmt.Errorf("write CA cert: %w", err)
	}
	if err := atomicWriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}

	return ca, nil
}

// atomicWriteFile writes data to a temporary file in the same
// directory as path, then renames it into place, so the target file
// is either fully written or not present.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
