package keycloak_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func newFixture(t *testing.T, opts ...keycloak.Option) (*keycloaktest.Server, *keycloak.Client, string) {
	t.Helper()
	srv := keycloaktest.NewServer()
	t.Cleanup(srv.Close)

	client := keycloak.NewClient(srv.Config(), nil, opts...)
	token, err := keycloak.NewAdminSource(srv.Config(), nil, nil).AdminToken(context.Background())
	require.NoError(t, err)
	return srv, client, token.AccessToken
}

func TestClient_UserLifecycle(t *testing.T) {
	srv, client, token := newFixture(t)
	ctx := context.Background()

	err := client.CreateUser(ctx, token, keycloak.User{
		Username:    "alice",
		Email:       "alice@example.com",
		Enabled:     true,
		Credentials: []keycloak.Credential{keycloak.PasswordCredential("pw-1")},
	})
	require.NoError(t, err)

	found, err := client.FindUserByUsername(ctx, token, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, found.ID)
	assert.Equal(t, "alice", found.Username)

	require.NoError(t, client.ResetPassword(ctx, token, found.ID, keycloak.PasswordCredential("pw-2")))
	require.NoError(t, client.ClearRequiredActions(ctx, token, found.ID))

	role, err := client.GetRealmRole(ctx, token, "SELLER")
	require.NoError(t, err)
	assert.Equal(t, "SELLER", role.Name)
	require.NoError(t, client.AddRealmRoleMappings(ctx, token, found.ID, *role))

	snap, ok := srv.User("alice")
	require.True(t, ok)
	assert.Equal(t, "pw-2", snap.Password)
	assert.Empty(t, snap.RequiredActions)
	assert.Equal(t, []string{"SELLER"}, snap.Roles)

	require.NoError(t, client.DeleteUser(ctx, token, found.ID))
	_, ok = srv.User("alice")
	assert.False(t, ok)
}

func TestClient_CreateDuplicateIsConflict(t *testing.T) {
	srv, client, token := newFixture(t)
	srv.SeedUser("bob", "pw")

	err := client.CreateUser(context.Background(), token, keycloak.User{Username: "bob", Enabled: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, keycloak.ErrConflict)
	assert.ErrorIs(t, err, keycloak.ErrRejected)
}

func TestClient_FindUserRequiresExactMatch(t *testing.T) {
	srv, client, token := newFixture(t)
	srv.SeedUser("alice-smith", "pw")

	_, err := client.FindUserByUsername(context.Background(), token, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, keycloak.ErrNotFound)
	assert.Equal(t, keycloak.KindNotFound, keycloak.KindOf(err))

	id := srv.SeedUser("alice", "pw")
	found, err := client.FindUserByUsername(context.Background(), token, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)
}

func TestClient_RoleMappingEchoesLookedUpRole(t *testing.T) {
	srv, client, token := newFixture(t)
	id := srv.SeedUser("carol", "pw")

	role, err := client.GetRealmRole(context.Background(), token, "BUYER")
	require.NoError(t, err)
	require.NoError(t, client.AddRealmRoleMappings(context.Background(), token, id, *role))

	bodies := srv.RoleMappingBodies(id)
	require.Len(t, bodies, 1)

	var sent []json.RawMessage
	require.NoError(t, json.Unmarshal(bodies[0], &sent))
	require.Len(t, sent, 1)
	assert.JSONEq(t, string(srv.RoleJSON("BUYER")), string(sent[0]))
}

func TestClient_UnknownRoleIsNotFound(t *testing.T) {
	_, client, token := newFixture(t)

	_, err := client.GetRealmRole(context.Background(), token, "SUPERUSER")
	require.Error(t, err)
	assert.ErrorIs(t, err, keycloak.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, keycloak.StatusOf(err))
}

func TestClient_ClearRequiredActionsSendsEmptyList(t *testing.T) {
	var body map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/admin/realms/padmini-farms/users/u-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := keycloak.NewClient(keycloak.Config{BaseURL: ts.URL, Realm: "padmini-farms"}, ts.Client())
	require.NoError(t, client.ClearRequiredActions(context.Background(), "tok", "u-1"))

	actions, present := body["requiredActions"]
	require.True(t, present)
	assert.Equal(t, []interface{}{}, actions)
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Run("server error is rejection", func(t *testing.T) {
		srv, client, token := newFixture(t)
		id := srv.SeedUser("dave", "pw")
		srv.Fail(keycloak.OpResetPassword, http.StatusInternalServerError)

		err := client.ResetPassword(context.Background(), token, id, keycloak.PasswordCredential("x"))
		assert.ErrorIs(t, err, keycloak.ErrRejected)
		assert.Equal(t, http.StatusInternalServerError, keycloak.StatusOf(err))
	})

	t.Run("garbage body is data shape", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>not json</html>"))
		}))
		defer ts.Close()

		client := keycloak.NewClient(keycloak.Config{BaseURL: ts.URL, Realm: "r"}, ts.Client())
		_, err := client.FindUserByUsername(context.Background(), "tok", "x")
		assert.ErrorIs(t, err, keycloak.ErrDataShape)
	})

	t.Run("closed server is transport", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()

		client := keycloak.NewClient(keycloak.Config{BaseURL: ts.URL, Realm: "r"}, nil)
		err := client.DeleteUser(context.Background(), "tok", "id")
		assert.ErrorIs(t, err, keycloak.ErrTransport)
	})

	t.Run("deadline is transport", func(t *testing.T) {
		srv, client, token := newFixture(t)
		srv.Delay(keycloak.OpGetRealmRole, time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := client.GetRealmRole(ctx, token, "BUYER")
		assert.ErrorIs(t, err, keycloak.ErrTransport)
	})

	t.Run("bad admin token is rejection", func(t *testing.T) {
		_, client, _ := newFixture(t)
		err := client.CreateUser(context.Background(), "forged", keycloak.User{Username: "eve"})
		assert.ErrorIs(t, err, keycloak.ErrRejected)
		assert.Equal(t, http.StatusUnauthorized, keycloak.StatusOf(err))
	})
}

func TestClient_Ping(t *testing.T) {
	_, client, _ := newFixture(t)
	assert.NoError(t, client.Ping(context.Background()))

	cfg := client.Config()
	cfg.Realm = "missing"
	assert.ErrorIs(t, keycloak.NewClient(cfg, nil).Ping(context.Background()), keycloak.ErrRejected)
}

func TestClient_RecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	srv, client, token := newFixture(t, keycloak.WithMetrics(metrics))
	srv.SeedUser("frank", "pw")

	_, err := client.FindUserByUsername(context.Background(), token, "frank")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.IdentityRequestsTotal.WithLabelValues(keycloak.OpFindUser, "200")))
}

func TestConfigURLs(t *testing.T) {
	cfg := keycloak.Config{BaseURL: "http://kc:8090/", Realm: "padmini-farms"}
	assert.Equal(t, "http://kc:8090/realms/padmini-farms", cfg.IssuerURL())
	assert.Equal(t, "http://kc:8090/realms/padmini-farms/protocol/openid-connect/certs", cfg.JWKSURL())
}
