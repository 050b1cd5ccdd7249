package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/padmini/gateway/pkg/observability"
)

// AdminTokenSource yields an admin bearer token. Implementations must be safe for concurrent use.
type AdminTokenSource interface {
	AdminToken(ctx context.Context) (*AdminToken, error)
}

// AdminTokenSourceFunc adapts a function to AdminTokenSource
type AdminTokenSourceFunc func(ctx context.Context) (*AdminToken, error)

func (f AdminTokenSourceFunc) AdminToken(ctx context.Context) (*AdminToken, error) {
	return f(ctx)
}

// passwordGrant runs the OAuth2 resource-owner password grant against one token endpoint
type passwordGrant struct {
	op         string
	kind       string
	config     *oauth2.Config
	httpClient *http.Client
	metrics    *observability.Metrics
}

func newPasswordGrant(op, kind, tokenURL, clientID, clientSecret string, httpClient *http.Client, metrics *observability.Metrics) *passwordGrant {
	return &passwordGrant{
		op:   op,
		kind: kind,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		metrics:    metrics,
	}
}

func (g *passwordGrant) exchange(ctx context.Context, username, password string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	token, err := g.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		kerr := classifyGrantError(g.op, err)
		g.record(kerr.Kind.String())
		return nil, kerr
	}
	g.record("ok")
	return token, nil
}

func (g *passwordGrant) record(status string) {
	if g.metrics != nil {
		g.metrics.TokenGrantsTotal.WithLabelValues(g.kind, status).Inc()
	}
}

// classifyGrantError maps x/oauth2 failures onto the package taxonomy
func classifyGrantError(op string, err error) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		kerr := rejectionError(op, status, retrieveErr.Body)
		kerr.Err = err
		return kerr
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transportError(op, err)
	}

	// Missing access_token and undecodable bodies on a 2xx land here
	return dataShapeError(op, err)
}

// ExpiresIn reads the raw expires_in field of a grant response.
// ok is false when the field is absent or not a number.
func ExpiresIn(token *oauth2.Token) (seconds int64, ok bool) {
	switch v := token.Extra("expires_in").(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// RawTokenType reads token_type exactly as sent by the provider
func RawTokenType(token *oauth2.Token) string {
	if s, ok := token.Extra("token_type").(string); ok {
		return s
	}
	return token.TokenType
}

// PasswordGrantAdminSource obtains admin tokens with the admin client's password grant.
// Every call performs a fresh HTTP exchange; wrap it in a cache to reuse tokens.
type PasswordGrantAdminSource struct {
	grant    *passwordGrant
	username string
	password string
	now      func() time.Time
}

// NewAdminSource builds the admin token source described by cfg
func NewAdminSource(cfg Config, httpClient *http.Client, metrics *observability.Metrics) *PasswordGrantAdminSource {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}
	return &PasswordGrantAdminSource{
		grant:    newPasswordGrant(OpAdminToken, "admin", cfg.tokenURL(cfg.AdminRealm), cfg.AdminClientID, "", httpClient, metrics),
		username: cfg.AdminUsername,
		password: cfg.AdminPassword,
		now:      time.Now,
	}
}

// Issuer identifies the realm and account the tokens belong to
func (s *PasswordGrantAdminSource) Issuer() string {
	return fmt.Sprintf("%s#%s", s.grant.config.Endpoint.TokenURL, s.username)
}

// AdminToken performs one admin password grant
func (s *PasswordGrantAdminSource) AdminToken(ctx context.Context) (*AdminToken, error) {
	issued := s.now()
	token, err := s.grant.exchange(ctx, s.username, s.password)
	if err != nil {
		return nil, err
	}

	result := &AdminToken{AccessToken: token.AccessToken, IssuedAt: issued}
	if secs, ok := ExpiresIn(token); ok && secs > 0 {
		result.ExpiresAt = issued.Add(time.Duration(secs) * time.Second)
	}
	return result, nil
}
