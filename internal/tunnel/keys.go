// Package tunnel maintains the reverse-SSH tunnel to the master: an
// Ed25519 identity on disk, registration against the master's tunnel
// endpoint table, and a supervisor that keeps exactly one ssh child
// alive with the master-assigned forwards.
package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// KeyPair is the supervisor's SSH identity. AuthorizedKey is the
// public half in authorized_keys form, uploaded with every
// registration.
type KeyPair struct {
	PrivatePath   string
	PublicPath    string
	AuthorizedKey string
}

// LoadOrCreateKeyPair loads the Ed25519 key at privatePath, generating
// and persisting a fresh pair on first use. The private key is written
// 0600 in OpenSSH PEM form, the public half 0644 in authorized_keys
// form.
func LoadOrCreateKeyPair(privatePath, publicPath string) (*KeyPair, error) {
	data, err := os.ReadFile(privatePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read tunnel key %s: %w", privatePath, err)
	}

	if err == nil {
		raw, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse tunnel key %s: %w", privatePath, err)
		}
		priv, ok := raw.(*ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("tunnel key %s: got %T, want Ed25519", privatePath, raw)
		}
		authorized, err := authorizedKey(priv.Public().(ed25519.PublicKey))
		if err != nil {
			return nil, err
		}
		return &KeyPair{PrivatePath: privatePath, PublicPath: publicPath, AuthorizedKey: authorized}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate tunnel key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("encode tunnel key: %w", err)
	}
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("write tunnel key: %w", err)
	}

	authorized, err := authorizedKey(pub)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(publicPath, []byte(authorized+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write tunnel public key: %w", err)
	}

	return &KeyPair{PrivatePath: privatePath, PublicPath: publicPath, AuthorizedKey: authorized}, nil
}

func authorizedKey(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode tunnel public key: %w", err)
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	return string(line[:len(line)-1]), nil // trim trailing newline
}
