package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/padmini/gateway/pkg/contextkeys"
	"github.com/padmini/gateway/pkg/httputil"
	"github.com/padmini/gateway/pkg/keycloak"
	"github.com/padmini/gateway/pkg/observability"
)

// Claims are the access token claims handlers rely on
type Claims struct {
	Subject     string `json:"sub"`
	Username    string `json:"preferred_username"`
	Email       string `json:"email"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Roles returns the realm roles granted to the token
func (c *Claims) Roles() []string {
	return c.RealmAccess.Roles
}

// TokenVerifier checks a raw bearer token. *oidc.IDTokenVerifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*oidc.IDToken, error)
}

// NewKeycloakVerifier verifies realm access tokens against the realm's published keys.
// Keys are fetched lazily and refreshed when an unknown key id shows up.
func NewKeycloakVerifier(ctx context.Context, cfg keycloak.Config, httpClient *http.Client) *oidc.IDTokenVerifier {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	keySet := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL())
	// Access tokens are issued for the account audience, not our client id
	return oidc.NewVerifier(cfg.IssuerURL(), keySet, &oidc.Config{SkipClientIDCheck: true})
}

// AuthMiddleware provides bearer token authentication
type AuthMiddleware struct {
	verifier TokenVerifier
	optional bool // If true, allow requests without auth
	logger   *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier TokenVerifier, optional bool, logger *observability.Logger) *AuthMiddleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &AuthMiddleware{
		verifier: verifier,
		optional: optional,
		logger:   logger,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		token, err := m.verifier.Verify(r.Context(), parts[1])
		if err != nil {
			var expired *oidc.TokenExpiredError
			if errors.As(err, &expired) {
				httputil.WriteUnauthorized(w, "token expired")
				return
			}
			m.logger.WithError(err).WithField("request_id", observability.GetRequestID(r.Context())).Debug("Bearer token rejected")
			httputil.WriteUnauthorized(w, "invalid token")
			return
		}

		var claims Claims
		if err := token.Claims(&claims); err != nil {
			httputil.WriteUnauthorized(w, "invalid token claims")
			return
		}
		if claims.Subject == "" {
			claims.Subject = token.Subject
		}

		ctx := contextkeys.WithClaims(r.Context(), &claims)
		ctx = observability.WithUsername(ctx, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts verified claims from the request
func GetClaims(r *http.Request) *Claims {
	claims, ok := r.Context().Value(contextkeys.ClaimsKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}
