// Package contextkeys provides centralized context key definitions
//
// Keys shared between packages live here so the producer and the consumers agree on
// the name and the stored type.
//
//	ctx = contextkeys.WithClaims(ctx, claims)
//	claims, _ := ctx.Value(contextkeys.ClaimsKey).(*middleware.Claims)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ClaimsKey contains the verified bearer token claims
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: GET /auth/me
	// Type: *middleware.Claims
	ClaimsKey Key = "claims"

	// RequestStartTimeKey contains request start timestamp
	// Set by: httputil.LoggingMiddleware
	// Used by: httputil.RecoveryMiddleware
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithClaims adds verified token claims to the context
func WithClaims(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestStartTime retrieves the request start time, zero when absent
func GetRequestStartTime(ctx context.Context) time.Time {
	if start, ok := ctx.Value(RequestStartTimeKey).(time.Time); ok {
		return start
	}
	return time.Time{}
}
