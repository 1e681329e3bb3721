// Package middleware provides the handshake authentication layer. A
// bearer token is accepted from the Authorization header or, for
// transports that cannot carry headers, from the `token` query parameter.
// The token must decode to both an identity ID and a display-name claim;
// anything less hard-fails the handshake.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// displayNameClaim is the token claim carrying the user's display name.
const displayNameClaim = "name"

type contextKey struct{}

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, identity realtime.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFromContext retrieves the verified identity set by Auth.
func IdentityFromContext(ctx context.Context) (realtime.Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(realtime.Identity)
	return identity, ok
}

// JWKSVerifier implements realtime.IdentityVerifier against a remote JWKS
// endpoint, with background key refresh.
type JWKSVerifier struct {
	keys jwk.Set
}

// NewJWKSVerifier builds a verifier that keeps the remote key set cached
// and refreshed.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(10*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS endpoint: %w", err)
	}
	// Fetch once up front so a bad URL fails at startup, not on the first
	// handshake.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{keys: jwk.NewCachedSet(cache, jwksURL)}, nil
}

// Verify parses and validates the token and extracts the identity claims.
// A token missing either claim is rejected.
func (v *JWKSVerifier) Verify(_ context.Context, token string) (*realtime.Identity, error) {
	parsed, err := jwt.ParseString(token, jwt.WithKeySet(v.keys), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	identityID := parsed.Subject()
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("token is missing the subject claim")
	}

	rawName, ok := parsed.Get(displayNameClaim)
	displayName, _ := rawName.(string)
	if !ok || strings.TrimSpace(displayName) == "" {
		return nil, fmt.Errorf("token is missing the %q claim", displayNameClaim)
	}

	return &realtime.Identity{ID: identityID, DisplayName: displayName}, nil
}

// Auth wraps a handler with bearer-token authentication. Requests without
// a verifiable token are rejected with 401 before any connection state is
// created.
func Auth(verifier realtime.IdentityVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *identity)))
		})
	}
}

// NoopAuth injects a fixed identity; used by local runs and tests.
func NoopAuth(identity realtime.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// bearerToken extracts the credential from the Authorization header or the
// `token` query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, found := strings.CutPrefix(auth, "Bearer "); found {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
