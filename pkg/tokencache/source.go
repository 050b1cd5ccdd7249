package tokencache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/padmini/gateway/pkg/keycloak"
	"github.com/padmini/gateway/pkg/observability"
)

// DefaultSkew is how long before expiry a cached token stops being handed out
const DefaultSkew = 10 * time.Second

// Source wraps an AdminTokenSource and reuses tokens until shortly before they expire.
// Concurrent misses share one upstream grant.
type Source struct {
	base    keycloak.AdminTokenSource
	store   Store
	key     string
	skew    time.Duration
	group   singleflight.Group
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Source
type Option func(*Source)

// WithSkew sets the expiry safety margin
func WithSkew(d time.Duration) Option {
	return func(s *Source) { s.skew = d }
}

// WithLogger sets the logger used for store errors
func WithLogger(l *observability.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithMetrics records hits and misses
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// withClock overrides time.Now in tests
func withClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New returns a caching source. issuer identifies the admin account so that several
// gateways sharing a Redis store never mix tokens from different realms.
func New(base keycloak.AdminTokenSource, store Store, issuer string, opts ...Option) *Source {
	s := &Source{
		base:   base,
		store:  store,
		key:    "admin-token:" + issuer,
		skew:   DefaultSkew,
		logger: observability.NewLogger(observability.InfoLevel, nil),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AdminToken returns a cached token when one is valid, otherwise performs a single shared refresh
func (s *Source) AdminToken(ctx context.Context) (*keycloak.AdminToken, error) {
	if token, ok := s.lookup(ctx); ok {
		s.record(true)
		return token, nil
	}
	s.record(false)

	v, err, _ := s.group.Do(s.key, func() (interface{}, error) {
		if token, ok := s.lookup(ctx); ok {
			return token, nil
		}

		// Callers share this refresh, so one caller's cancellation must not fail the rest
		token, err := s.base.AdminToken(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		if ttl := token.ExpiresAt.Sub(s.now()) - s.skew; !token.ExpiresAt.IsZero() && ttl > 0 {
			if err := s.store.Set(ctx, s.key, token, ttl); err != nil {
				s.logger.WithError(err).WithField("store", s.store.Name()).Warn("Failed to cache admin token")
			}
		}
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keycloak.AdminToken), nil
}

// Invalidate drops the cached token, e.g. after the provider rejected it
func (s *Source) Invalidate(ctx context.Context) error {
	return s.store.Delete(ctx, s.key)
}

// Warm fetches a token ahead of the first request
func (s *Source) Warm(ctx context.Context) error {
	_, err := s.AdminToken(ctx)
	return err
}

func (s *Source) lookup(ctx context.Context) (*keycloak.AdminToken, bool) {
	token, err := s.store.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.WithError(err).WithField("store", s.store.Name()).Warn("Admin token cache read failed")
		}
		return nil, false
	}
	if !token.ValidAt(s.now(), s.skew) {
		return nil, false
	}
	return token, true
}

func (s *Source) record(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.TokenCacheHitsTotal.WithLabelValues(s.store.Name()).Inc()
	} else {
		s.metrics.TokenCacheMissesTotal.WithLabelValues(s.store.Name()).Inc()
	}
}
