package core

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoutedClaims is the verified content of a routed project-host auth
// token: a short-lived EdDSA JWT the master mints for one account on
// one host, optionally scoped to a single project. IssuedAt is kept
// because revocation cursors compare against it.
type RoutedClaims struct {
	AccountID string
	ProjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type routedJWT struct {
	jwt.RegisteredClaims
	Act       string `json:"act"`
	ProjectID string `json:"project_id,omitempty"`
}

// TokenVerifier validates routed auth tokens against the master's
// Ed25519 signing key. The key is swappable at runtime because the
// master rotates it and pushes the replacement over the bus.
type TokenVerifier struct {
	hostID string
	parser *jwt.Parser

	mu  sync.RWMutex
	key ed25519.PublicKey
}

// NewTokenVerifier returns a verifier for tokens addressed to hostID.
// It rejects everything until a key is installed.
func NewTokenVerifier(hostID string) *TokenVerifier {
	return &TokenVerifier{
		hostID: hostID,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithAudience(hostID),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(time.Second),
		),
	}
}

// SetKey installs or replaces the master's verification key.
func (v *TokenVerifier) SetKey(key ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
}

// SetKeyPEM parses a PKIX PEM block and installs the contained
// Ed25519 public key.
func (v *TokenVerifier) SetKeyPEM(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("verification key: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("verification key: %w", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("verification key: got %T, want Ed25519", pub)
	}
	v.SetKey(key)
	return nil
}

// HasKey reports whether a verification key has been installed.
func (v *TokenVerifier) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Verify checks signature, audience, expiry, and the account shape of
// a routed token.
func (v *TokenVerifier) Verify(token string) (RoutedClaims, error) {
	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()
	if key == nil {
		return RoutedClaims{}, &AuthError{Reason: "no verification key installed"}
	}

	var claims routedJWT
	if _, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return RoutedClaims{}, &AuthError{Reason: "invalid auth token", Err: err}
	}

	if claims.Act != "account" {
		return RoutedClaims{}, &AuthError{Reason: fmt.Sprintf("unsupported actor type %q", claims.Act)}
	}
	if !IsUUID(claims.Subject) {
		return RoutedClaims{}, &AuthError{Reason: "token subject is not an account id"}
	}
	if claims.ProjectID != "" && !IsUUID(claims.ProjectID) {
		return RoutedClaims{}, &AuthError{Reason: "token project_id is not a project id"}
	}

	out := RoutedClaims{AccountID: claims.Subject, ProjectID: claims.ProjectID}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
