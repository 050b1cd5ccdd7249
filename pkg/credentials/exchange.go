package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/padmini/gateway/pkg/keycloak"
	"github.com/padmini/gateway/pkg/observability"
)

// UserTokenSource performs the end-user password grant. *keycloak.Client satisfies it.
type UserTokenSource interface {
	UserToken(ctx context.Context, username, password string) (*oauth2.Token, error)
}

// Grant is the token set handed back to a client after a successful login
type Grant struct {
	AccessToken      string
	RefreshToken     string
	ExpiresInSeconds int64
	TokenType        string
}

// Exchange turns a username and password into a Grant
type Exchange struct {
	source  UserTokenSource
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewExchange creates an Exchange. logger and metrics may be nil.
func NewExchange(source UserTokenSource, logger *observability.Logger, metrics *observability.Metrics) *Exchange {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Exchange{
		source:  source,
		logger:  logger,
		metrics: metrics,
	}
}

// Login runs one password grant. Every failure is a *keycloak.Error: transport problems,
// provider rejections (bad credentials included) and responses missing any of the four
// grant fields.
func (e *Exchange) Login(ctx context.Context, username, password string) (grant *Grant, err error) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "credentials.Login", trace.WithAttributes(
		attribute.String("user.username", username),
	))
	defer func() { observability.EndSpan(span, err) }()

	logger := observability.FromContext(observability.WithDefaultLogger(ctx, e.logger)).WithField("username", username)

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = keycloak.KindOf(err).String()
		}
		if e.metrics != nil {
			e.metrics.LoginsTotal.WithLabelValues(outcome).Inc()
		}

		entry := logger.WithField("duration_ms", time.Since(start).Milliseconds())
		if err != nil {
			entry.WithError(err).WithField("outcome", outcome).Warn("Login failed")
		} else {
			entry.Debug("Login succeeded")
		}
	}()

	token, err := e.source.UserToken(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return grantFromToken(token)
}

// grantFromToken requires every field of the provider response
func grantFromToken(token *oauth2.Token) (*Grant, error) {
	var missing []string

	if token.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if token.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	expiresIn, ok := keycloak.ExpiresIn(token)
	if !ok {
		missing = append(missing, "expires_in")
	}
	tokenType := keycloak.RawTokenType(token)
	if tokenType == "" {
		missing = append(missing, "token_type")
	}

	if len(missing) > 0 {
		return nil, &keycloak.Error{
			Op:   keycloak.OpUserToken,
			Kind: keycloak.KindDataShape,
			Err:  fmt.Errorf("grant response missing %s", strings.Join(missing, ", ")),
		}
	}

	return &Grant{
		AccessToken:      token.AccessToken,
		RefreshToken:     token.RefreshToken,
		ExpiresInSeconds: expiresIn,
		TokenType:        tokenType,
	}, nil
}
