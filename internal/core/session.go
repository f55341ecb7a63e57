package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session-cookie TTL bounds. The default binds a browser session for
// thirty days; anything under the floor would churn cookies faster
// than the revocation sweep can observe them.
const (
	DefaultSessionTTL = 30 * 24 * time.Hour
	MinSessionTTL     = 300 * time.Second
)

// SessionClaims is the payload embedded in HTTP session tokens. iat is
// preserved through verification because revocation cursors compare
// against it.
type SessionClaims struct {
	AccountID string `json:"account_id"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce"`
}

// SessionCodec signs and verifies opaque HTTP session tokens:
// base64url(JSON claims) + "." + base64url(HMAC-SHA256(key, encoded)).
// The signature covers the encoded form, so tokens survive any JSON
// re-serialisation differences between issuer and verifier.
type SessionCodec struct {
	key []byte
	ttl time.Duration
}

// NewSessionCodec returns a codec backed by the given HMAC key. A
// zero ttl selects the default; values under the floor are rejected.
func NewSessionCodec(key []byte, ttl time.Duration) (*SessionCodec, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("session codec: HMAC key is required")
	}
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	if ttl < MinSessionTTL {
		return nil, fmt.Errorf("session codec: ttl %s is under the %s floor", ttl, MinSessionTTL)
	}
	return &SessionCodec{key: key, ttl: ttl}, nil
}

// TTL returns the configured session lifetime.
func (c *SessionCodec) TTL() time.Duration { return c.ttl }

// Issue creates a signed session token for the account.
func (c *SessionCodec) Issue(accountID string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		AccountID: accountID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(c.ttl).Unix(),
		Nonce:     uuid.NewString(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal session claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.sign(encoded), nil
}

// Verify checks the signature and expiry of a session token. Any
// failure — malformed token, bad signature, expired — yields the same
// "no session" result so callers fall through to bearer handling
// without leaking which stage failed.
func (c *SessionCodec) Verify(token string) (SessionClaims, bool) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return SessionClaims{}, false
	}

	want := c.sign(encoded)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return SessionClaims{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return SessionClaims{}, false
	}

	var claims SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return SessionClaims{}, false
	}
	if !IsUUID(claims.AccountID) {
		return SessionClaims{}, false
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return SessionClaims{}, false
	}

	return claims, true
}

func (c *SessionCodec) sign(encoded string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
