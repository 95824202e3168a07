package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-assets/pkg/api"
)

// JWTValidator validates JWT tokens and extracts claims.
type JWTValidator struct {
	// KeySet provides the keys for validation.
	KeySet KeySet
}

// AssetClaims are the JWT claims expected by the asset API.
type AssetClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// NewJWTValidator creates a validator with the given KeySet.
func NewJWTValidator(ks KeySet) *JWTValidator {
	if ks == nil {
		return nil
	}
	return &JWTValidator{KeySet: ks}
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*AssetClaims, error) {
	if v.KeySet == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}

	claims := &AssetClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.KeySet.KeyFunc(),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are API endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
}

// isPublic reports whether r may proceed without a token. Asset serving and
// read-only API calls are public.
func isPublic(r *http.Request) bool {
	for _, p := range publicPaths {
		if r.URL.Path == p {
			return true
		}
	}
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// NewMiddleware creates JWT auth middleware.
// If validator is nil, all non-public requests are rejected (fail closed).
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}
			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principalFromClaims(claims))))
		})
	}
}
