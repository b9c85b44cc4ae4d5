package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signtusk/multisigner/pkg/api"
	"github.com/signtusk/multisigner/pkg/contracts"
)

// JWTValidator validates bearer tokens and extracts claims.
type JWTValidator struct {
	KeySet KeySet
	parser *jwt.Parser
}

// SignerClaims are the claims expected on API tokens. Email binds the
// account to the signer entries it may act as.
type SignerClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
}

// NewJWTValidator creates a validator with the given KeySet.
func NewJWTValidator(ks KeySet) *JWTValidator {
	if ks == nil {
		return nil
	}
	return &JWTValidator{
		KeySet: ks,
		parser: jwt.NewParser(jwt.WithExpirationRequired()),
	}
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*SignerClaims, error) {
	if v == nil || v.KeySet == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}

	claims := &SignerClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, v.KeySet.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	// Public verification is the trust surface for parties without accounts.
	if strings.HasPrefix(path, "/verify/") {
		return true
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates JWT auth middleware.
// If validator is nil, all non-public requests are rejected (fail closed).
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
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
			email := contracts.NormalizeEmail(claims.Email)
			if email == "" {
				api.WriteUnauthorized(w, "Token email binding is required")
				return
			}

			principal := &BasePrincipal{
				ID:    claims.Subject,
				Email: email,
				Roles: claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
