package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padmini/gateway/pkg/observability"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "http://padmini-keycloak:8090", cfg.Keycloak.BaseURL)
	assert.Equal(t, "padmini-farms", cfg.Keycloak.Realm)
	assert.Equal(t, "padmini-gateway", cfg.Keycloak.ClientID)
	assert.Equal(t, "gateway-secret", cfg.Keycloak.ClientSecret)
	assert.Equal(t, "master", cfg.Keycloak.AdminRealm)
	assert.Equal(t, "admin-cli", cfg.Keycloak.AdminClientID)
	assert.Equal(t, []string{"BUYER", "SELLER", "ADMIN"}, cfg.Provisioning.AllowedRoles)
	assert.Equal(t, FailurePolicyNone, cfg.Provisioning.FailurePolicy)
	assert.False(t, cfg.Provisioning.Idempotent)
	assert.False(t, cfg.Provisioning.StrictStatus)
	assert.Equal(t, TokenCacheNone, cfg.TokenCache.Backend)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "8181")
	t.Setenv("GATEWAY_KEYCLOAK_BASE_URL", "http://localhost:8090/")
	t.Setenv("GATEWAY_KEYCLOAK_REALM", "test-realm")
	t.Setenv("GATEWAY_PROVISIONING_ALLOWED_ROLES", "BUYER, SELLER ,")
	t.Setenv("GATEWAY_PROVISIONING_FAILURE_POLICY", "COMPENSATE")
	t.Setenv("GATEWAY_PROVISIONING_IDEMPOTENT", "true")
	t.Setenv("GATEWAY_PROVISIONING_STEP_TIMEOUT", "2s")
	t.Setenv("GATEWAY_REGISTER_STRICT_STATUS", "1")
	t.Setenv("GATEWAY_ADMIN_TOKEN_CACHE", "redis")
	t.Setenv("GATEWAY_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_OTEL_SAMPLE_RATIO", "0.25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "http://localhost:8090", cfg.Keycloak.BaseURL)
	assert.Equal(t, "test-realm", cfg.Keycloak.Realm)
	assert.Equal(t, []string{"BUYER", "SELLER"}, cfg.Provisioning.AllowedRoles)
	assert.Equal(t, FailurePolicyCompensate, cfg.Provisioning.FailurePolicy)
	assert.True(t, cfg.Provisioning.Idempotent)
	assert.Equal(t, 2*time.Second, cfg.Provisioning.StepTimeout)
	assert.True(t, cfg.Provisioning.StrictStatus)
	assert.Equal(t, TokenCacheRedis, cfg.TokenCache.Backend)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.InDelta(t, 0.25, cfg.Observability.OTelSampleRatio, 1e-9)
}

func TestLoadConfig_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7070"
keycloak:
  realm: from-file
  client_secret: file-secret
provisioning:
  allowed_roles: [ADMIN]
  step_timeout: 3s
token_cache:
  backend: memory
observability:
  log_level: warn
  log_format: text
`), 0o600))

	t.Setenv("GATEWAY_CONFIG_FILE", path)
	t.Setenv("GATEWAY_KEYCLOAK_REALM", "from-env")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort, "unset keys keep defaults")
	assert.Equal(t, "from-env", cfg.Keycloak.Realm, "env wins over file")
	assert.Equal(t, "file-secret", cfg.Keycloak.ClientSecret)
	assert.Equal(t, []string{"ADMIN"}, cfg.Provisioning.AllowedRoles)
	assert.Equal(t, 3*time.Second, cfg.Provisioning.StepTimeout)
	assert.Equal(t, TokenCacheMemory, cfg.TokenCache.Backend)
	assert.Equal(t, observability.WarnLevel, cfg.Observability.LogLevel)
	assert.Equal(t, observability.TextFormat, cfg.Observability.LogFormat)
}

func TestLoadConfig_BadFile(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))
	t.Setenv("GATEWAY_CONFIG_FILE", path)
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"missing base url", func(c *Config) { c.Keycloak.BaseURL = "" }, "base URL"},
		{"missing realm", func(c *Config) { c.Keycloak.Realm = "" }, "realm is required"},
		{"missing client", func(c *Config) { c.Keycloak.ClientID = "" }, "client id is required"},
		{"unknown policy", func(c *Config) { c.Provisioning.FailurePolicy = "retry" }, "invalid failure policy"},
		{"negative timeout", func(c *Config) { c.Provisioning.Timeout = -time.Second }, "must not be negative"},
		{"unknown cache", func(c *Config) { c.TokenCache.Backend = "memcached" }, "invalid token cache backend"},
		{"redis without url", func(c *Config) { c.TokenCache.Backend = TokenCacheRedis }, "redis URL is required"},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "invalid log format"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "not-a-number")
	t.Setenv("TEST_DURATION", "1m")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", getEnv("TEST_UNSET_VAR", "fallback"))
	assert.Equal(t, []string{"x"}, getEnvList("TEST_UNSET_VAR", []string{"x"}))
}
