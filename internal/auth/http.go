// ABOUTME: HTTP middleware for bearer authentication on API endpoints
// ABOUTME: Accepts HS256 JWTs or static API keys checked against bcrypt hashes

package auth

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/seance-gateway/internal/config"
)

type contextKey struct{}

// Principal identifies an authenticated caller.
type Principal struct {
	// Subject is the JWT "sub" claim, or "api-key" for a static key.
	Subject string
}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the authenticated principal, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// Authenticator validates bearer credentials for the HTTP API. With no JWT
// secret and no API keys configured the API is open and every request passes.
type Authenticator struct {
	verifier     TokenVerifier
	apiKeyHashes []string
}

// NewAuthenticator builds an authenticator from configuration.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{apiKeyHashes: cfg.APIKeys}
	if cfg.JWTSecret != "" {
		a.verifier = NewJWTVerifier([]byte(cfg.JWTSecret))
	}
	return a
}

// Enabled reports whether any credential mechanism is configured.
func (a *Authenticator) Enabled() bool {
	return a.verifier != nil || len(a.apiKeyHashes) > 0
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// authenticate checks a bearer token against the JWT verifier first, then the
// static key hashes. Returns the principal or an error message.
func (a *Authenticator) authenticate(token string) (*Principal, string) {
	if a.verifier != nil {
		if sub, err := a.verifier.Verify(token); err == nil {
			return &Principal{Subject: sub}, ""
		}
	}
	for _, hash := range a.apiKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return &Principal{Subject: "api-key"}, ""
		}
	}
	return nil, "invalid token"
}

// Middleware wraps a handler with bearer authentication. When no credential
// mechanism is configured the handler is returned unwrapped.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}

		principal, errMsg := a.authenticate(token)
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}
