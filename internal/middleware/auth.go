// Package middleware provides HTTP middleware for the project host:
// credential extraction shared by the proxy and the bus, and the
// sign-in middleware that authenticates bus websocket upgrades.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/authn"

	"github.com/sagemathinc/project-host/internal/core"
)

// Credential carriers. The auth cookie and query parameter share a
// name so browsers and plain links can present the same token.
const (
	SessionCookieBase       = "cocalc_project_host_http_session"
	AuthCookieName          = "cocalc_project_host_http_auth"
	AuthQueryParam          = "cocalc_project_host_http_auth"
	SystemCookieName        = "cocalc_project_host_system"
	ProjectSecretCookieName = "cocalc_project_host_project_secret"
	ProjectIDCookieName     = "cocalc_project_host_project_id"
)

// SessionCookieName returns the session cookie name for a base path.
// Hosts serving under distinct base paths on one origin get distinct
// cookies.
func SessionCookieName(basePath string) string {
	trimmed := strings.Trim(basePath, "/")
	if trimmed == "" {
		return SessionCookieBase
	}
	return SessionCookieBase + "-" + strings.ReplaceAll(trimmed, "/", "-")
}

// BearerFromRequest extracts a bearer token: Authorization header,
// then auth cookie, then query parameter. fromQuery tells the proxy it
// must strip or redirect the parameter away.
func BearerFromRequest(r *http.Request) (token string, fromQuery bool) {
	if t, ok := authn.BearerToken(r); ok && t != "" {
		return t, false
	}
	if c, err := r.Cookie(AuthCookieName); err == nil && c.Value != "" {
		return c.Value, false
	}
	if t := r.URL.Query().Get(AuthQueryParam); t != "" {
		return t, true
	}
	return "", false
}

// ProjectAuth validates project credentials during bus sign-in. The
// project row must exist; its secret token must match.
type ProjectAuth interface {
	GetProject(ctx context.Context, projectID string) (*core.ProjectRow, error)
	SecretToken(ctx context.Context, projectID string) (string, error)
}

// NewBusAuth creates the sign-in middleware for bus websocket
// upgrades. Each connection authenticates as exactly one of:
//
//   - hub: system cookie matching the local conat password;
//   - project(id): project id + secret cookies matching the stored
//     secret token;
//   - account(sub): a routed bearer token verified against the
//     master's key.
//
// The resulting core.Identity rides the request context into the bus
// server, which binds the connection's inbox prefix to it.
func NewBusAuth(conatPassword string, verifier *core.TokenVerifier, projects ProjectAuth) *authn.Middleware {
	authenticate := func(ctx context.Context, r *http.Request) (any, error) {
		if c, err := r.Cookie(SystemCookieName); err == nil && c.Value != "" {
			if subtle.ConstantTimeCompare([]byte(c.Value), []byte(conatPassword)) != 1 {
				return nil, authn.Errorf("invalid system credential")
			}
			return core.Hub(), nil
		}

		if c, err := r.Cookie(ProjectSecretCookieName); err == nil && c.Value != "" {
			idCookie, err := r.Cookie(ProjectIDCookieName)
			if err != nil || idCookie.Value == "" {
				return nil, authn.Errorf("project secret without project id")
			}
			projectID := idCookie.Value
			if !core.IsUUID(projectID) {
				return nil, authn.Errorf("malformed project id")
			}
			if _, err := projects.GetProject(ctx, projectID); err != nil {
				var notFound *core.ErrNotFound
				if errors.As(err, &notFound) {
					return nil, authn.Errorf("unknown project")
				}
				return nil, authn.Errorf("project lookup failed")
			}
			secret, err := projects.SecretToken(ctx, projectID)
			if err != nil {
				return nil, authn.Errorf("project lookup failed")
			}
			if subtle.ConstantTimeCompare([]byte(c.Value), []byte(secret)) != 1 {
				return nil, authn.Errorf("invalid project credential")
			}
			return core.Project(projectID), nil
		}

		token, _ := BearerFromRequest(r)
		if token == "" {
			return nil, authn.Errorf("missing credentials")
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			return nil, authn.Errorf("invalid auth token")
		}
		return core.Account(claims.AccountID), nil
	}

	return authn.NewMiddleware(authenticate)
}
