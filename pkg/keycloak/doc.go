// Package keycloak is a thin client for the Keycloak admin REST API and the
// OpenID Connect token endpoint.
//
// Admin operations take an admin bearer obtained from an AdminTokenSource; the
// default PasswordGrantAdminSource performs a fresh admin-cli password grant on
// every call. All operations return *Error, which classifies failures as
// transport, rejection (non-2xx), data shape, or not found:
//
//	if errors.Is(err, keycloak.ErrConflict) {
//		// username already taken
//	}
package keycloak
