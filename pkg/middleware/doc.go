// Package middleware provides HTTP middleware for bearer token authentication
// against the realm's signing keys.
//
// # Middleware Components
//
// AuthMiddleware verifies "Authorization: Bearer <token>" against the realm's signing
// keys and stores the token's Claims in the request context:
//
//	verifier := middleware.NewKeycloakVerifier(ctx, keycloakCfg, httpClient)
//	auth := middleware.NewAuthMiddleware(verifier, false, logger)
//	router.Handle("/auth/me", auth.Handler(meHandler))
//
// # Related Packages
//
//   - pkg/contextkeys: the claims context key
//   - pkg/keycloak: issuer and JWKS locations
package middleware
