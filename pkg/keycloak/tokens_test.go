package keycloak_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padmini/gateway/pkg/keycloak"
	"github.com/padmini/gateway/pkg/keycloak/keycloaktest"
	"github.com/padmini/gateway/pkg/observability"
)

func TestAdminSource_FreshTokenPerCall(t *testing.T) {
	srv := keycloaktest.NewServer()
	defer srv.Close()
	srv.SetTokenTTL(60)

	source := keycloak.NewAdminSource(srv.Config(), nil, nil)

	before := time.Now()
	first, err := source.AdminToken(context.Background())
	require.NoError(t, err)
	second, err := source.AdminToken(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 2, srv.Calls(keycloak.OpAdminToken))
	assert.False(t, first.IssuedAt.Before(before))
	assert.WithinDuration(t, first.IssuedAt.Add(60*time.Second), first.ExpiresAt, time.Millisecond)
	assert.True(t, first.ValidAt(time.Now(), 10*time.Second))
	assert.False(t, first.ValidAt(time.Now(), 2*time.Minute))
}

func TestAdminSource_SendsAdminCliForm(t *testing.T) {
	var form url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realms/master/protocol/openid-connect/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"adm","token_type":"Bearer"}`))
	}))
	defer ts.Close()

	cfg := keycloak.Config{
		BaseURL:       ts.URL,
		AdminRealm:    "master",
		AdminClientID: "admin-cli",
		AdminUsername: "root",
		AdminPassword: "s3cret",
	}
	token, err := keycloak.NewAdminSource(cfg, ts.Client(), nil).AdminToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "adm", token.AccessToken)
	assert.True(t, token.ExpiresAt.IsZero(), "no expires_in means no known expiry")
	assert.False(t, token.ValidAt(time.Now(), 0))

	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, "admin-cli", form.Get("client_id"))
	assert.Equal(t, "root", form.Get("username"))
	assert.Equal(t, "s3cret", form.Get("password"))
	assert.Empty(t, form.Get("client_secret"))
}

func TestAdminSource_Failures(t *testing.T) {
	t.Run("wrong credentials", func(t *testing.T) {
		srv := keycloaktest.NewServer()
		defer srv.Close()
		cfg := srv.Config()
		cfg.AdminPassword = "wrong"

		_, err := keycloak.NewAdminSource(cfg, nil, nil).AdminToken(context.Background())
		assert.ErrorIs(t, err, keycloak.ErrRejected)
		assert.Equal(t, http.StatusUnauthorized, keycloak.StatusOf(err))
	})

	t.Run("missing access token", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
		}))
		defer ts.Close()

		cfg := keycloak.Config{BaseURL: ts.URL, AdminRealm: "master", AdminClientID: "admin-cli"}
		_, err := keycloak.NewAdminSource(cfg, ts.Client(), nil).AdminToken(context.Background())
		assert.ErrorIs(t, err, keycloak.ErrDataShape)
	})

	t.Run("unreachable", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()

		cfg := keycloak.Config{BaseURL: ts.URL, AdminRealm: "master", AdminClientID: "admin-cli"}
		_, err := keycloak.NewAdminSource(cfg, nil, nil).AdminToken(context.Background())
		assert.ErrorIs(t, err, keycloak.ErrTransport)
	})
}

func TestAdminSource_Issuer(t *testing.T) {
	cfg := keycloak.Config{BaseURL: "http://kc", AdminRealm: "master", AdminClientID: "admin-cli", AdminUsername: "admin"}
	assert.Equal(t, "http://kc/realms/master/protocol/openid-connect/token#admin", keycloak.NewAdminSource(cfg, nil, nil).Issuer())
}

func TestClient_UserToken(t *testing.T) {
	srv := keycloaktest.NewServer()
	defer srv.Close()
	srv.SeedUser("alice", "correct-pw")

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client := keycloak.NewClient(srv.Config(), nil, keycloak.WithMetrics(metrics))

	token, err := client.UserToken(context.Background(), "alice", "correct-pw")
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)
	secs, ok := keycloak.ExpiresIn(token)
	assert.True(t, ok)
	assert.Equal(t, int64(300), secs)
	assert.Equal(t, "Bearer", keycloak.RawTokenType(token))

	_, err = client.UserToken(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, keycloak.ErrRejected)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TokenGrantsTotal.WithLabelValues("user", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TokenGrantsTotal.WithLabelValues("user", "rejected")))
}

func TestAdminTokenSourceFunc(t *testing.T) {
	var source keycloak.AdminTokenSource = keycloak.AdminTokenSourceFunc(func(context.Context) (*keycloak.AdminToken, error) {
		return &keycloak.AdminToken{AccessToken: "static"}, nil
	})
	token, err := source.AdminToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static", token.AccessToken)
}
