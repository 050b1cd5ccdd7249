// Package api provides the public HTTP API of the identity gateway.
//
// # Endpoints
//
//	POST /auth/register  provision a realm user with one role
//	POST /auth/login     exchange username and password for realm tokens
//	GET  /auth/me        describe the caller's bearer token (when a verifier is configured)
//
// Registration answers 200 with {"userId", "message"} for every attempt unless
// Options.StrictStatus is set, in which case failures map onto 400, 409, 502, 503
// and 504 depending on what went wrong. Login failures never echo provider
// details: bad credentials and accounts with pending required actions both
// read as 401.
//
// # Usage
//
//	server := api.NewServer(provisioner, exchange, auth, api.Options{
//		AllowedRoles: []string{"BUYER", "SELLER", "ADMIN"},
//		Metrics:      metrics,
//	}, logger)
//	http.ListenAndServe(":8080", server.Handler())
//
// Request bodies are JSON, unknown fields are rejected, and field validation
// failures come back as 400 with a per-field "details" map.
package api
