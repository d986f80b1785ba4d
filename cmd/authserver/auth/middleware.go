package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/providentiaww/trilix-authserver/internal/oauth"
)

// Context keys for storing verified token claims
type contextKey string

const (
	ClaimsContextKey contextKey = "access_token_claims"
)

// AccessTokenVerifier verifies access tokens issued by this server.
type AccessTokenVerifier interface {
	VerifyAccessToken(raw string) (*oauth.AccessTokenClaims, error)
}

// RejectFunc writes the response for a refused request. missing is true when
// no usable bearer token was presented at all.
type RejectFunc func(w http.ResponseWriter, r *http.Request, missing bool)

// AuthMiddleware requires a valid access token on every request.
type AuthMiddleware struct {
	verifier AccessTokenVerifier
	reject   RejectFunc
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier AccessTokenVerifier, reject RejectFunc) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, reject: reject}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractTokenFromHeader(r)
		if token == "" {
			m.reject(w, r, true)
			return
		}

		claims, err := m.verifier.VerifyAccessToken(token)
		if err != nil {
			m.reject(w, r, false)
			return
		}

		// Inject claims into request
		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the claims injected by AuthMiddleware.
func ClaimsFromContext(ctx context.Context) (*oauth.AccessTokenClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*oauth.AccessTokenClaims)
	return claims, ok && claims != nil
}

// ExtractTokenFromHeader extracts the bearer token from the Authorization header
func ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
