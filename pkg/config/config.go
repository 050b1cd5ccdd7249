package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/padmini/gateway/pkg/observability"
)

// Failure policies understood by the provisioner
const (
	FailurePolicyNone       = "none"
	FailurePolicyCompensate = "compensate"
)

// Admin token cache backends
const (
	TokenCacheNone   = "none"
	TokenCacheMemory = "memory"
	TokenCacheRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Keycloak      KeycloakConfig      `yaml:"keycloak"`
	Provisioning  ProvisioningConfig  `yaml:"provisioning"`
	TokenCache    TokenCacheConfig    `yaml:"token_cache"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string `yaml:"health_port"`
}

// KeycloakConfig describes the identity provider and the two clients the gateway uses
type KeycloakConfig struct {
	BaseURL      string `yaml:"base_url"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// Admin credentials are exchanged against AdminRealm with AdminClientID
	AdminRealm    string `yaml:"admin_realm"`
	AdminClientID string `yaml:"admin_client_id"`
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// ProvisioningConfig tunes the registration saga
type ProvisioningConfig struct {
	AllowedRoles  []string      `yaml:"allowed_roles"`
	FailurePolicy string        `yaml:"failure_policy"`
	Idempotent    bool          `yaml:"idempotent"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
	Timeout       time.Duration `yaml:"timeout"`

	// StrictStatus maps registration failures to 4xx/5xx instead of always 200
	StrictStatus bool `yaml:"strict_status"`
}

// TokenCacheConfig configures reuse of admin tokens across requests
type TokenCacheConfig struct {
	Backend       string        `yaml:"backend"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	ExpirySkew    time.Duration `yaml:"expiry_skew"`
	MaxEntries    int           `yaml:"max_entries"`
	Warmup        bool          `yaml:"warmup"`
}

// AuthConfig controls bearer verification on protected routes
type AuthConfig struct {
	VerifyTokens bool `yaml:"verify_tokens"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  observability.LogLevel  `yaml:"log_level"`
	LogFormat observability.LogFormat `yaml:"log_format"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Keycloak: KeycloakConfig{
			BaseURL:       "http://padmini-keycloak:8090",
			Realm:         "padmini-farms",
			ClientID:      "padmini-gateway",
			ClientSecret:  "gateway-secret",
			AdminRealm:    "master",
			AdminClientID: "admin-cli",
			AdminUsername: "admin",
			AdminPassword: "admin",
			HTTPTimeout:   10 * time.Second,
		},
		Provisioning: ProvisioningConfig{
			AllowedRoles:  []string{"BUYER", "SELLER", "ADMIN"},
			FailurePolicy: FailurePolicyNone,
			StepTimeout:   10 * time.Second,
			Timeout:       30 * time.Second,
		},
		TokenCache: TokenCacheConfig{
			Backend:    TokenCacheNone,
			ExpirySkew: 10 * time.Second,
			MaxEntries: 16,
		},
		Auth: AuthConfig{
			VerifyTokens: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			LogFormat:          observability.JSONFormat,
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "padmini-gateway",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file named by
// GATEWAY_CONFIG_FILE, and environment variables, in increasing precedence.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("GATEWAY_HOST", s.Host)
	s.Port = getEnv("GATEWAY_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("GATEWAY_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("GATEWAY_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("GATEWAY_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("GATEWAY_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("GATEWAY_HEALTH_PORT", s.HealthPort)

	k := &c.Keycloak
	k.BaseURL = strings.TrimRight(getEnv("GATEWAY_KEYCLOAK_BASE_URL", k.BaseURL), "/")
	k.Realm = getEnv("GATEWAY_KEYCLOAK_REALM", k.Realm)
	k.ClientID = getEnv("GATEWAY_KEYCLOAK_CLIENT_ID", k.ClientID)
	k.ClientSecret = getEnv("GATEWAY_KEYCLOAK_CLIENT_SECRET", k.ClientSecret)
	k.AdminRealm = getEnv("GATEWAY_KEYCLOAK_ADMIN_REALM", k.AdminRealm)
	k.AdminClientID = getEnv("GATEWAY_KEYCLOAK_ADMIN_CLIENT_ID", k.AdminClientID)
	k.AdminUsername = getEnv("GATEWAY_KEYCLOAK_ADMIN_USERNAME", k.AdminUsername)
	k.AdminPassword = getEnv("GATEWAY_KEYCLOAK_ADMIN_PASSWORD", k.AdminPassword)
	k.HTTPTimeout = getEnvDuration("GATEWAY_KEYCLOAK_HTTP_TIMEOUT", k.HTTPTimeout)

	p := &c.Provisioning
	p.AllowedRoles = getEnvList("GATEWAY_PROVISIONING_ALLOWED_ROLES", p.AllowedRoles)
	p.FailurePolicy = strings.ToLower(getEnv("GATEWAY_PROVISIONING_FAILURE_POLICY", p.FailurePolicy))
	p.Idempotent = getEnvBool("GATEWAY_PROVISIONING_IDEMPOTENT", p.Idempotent)
	p.StepTimeout = getEnvDuration("GATEWAY_PROVISIONING_STEP_TIMEOUT", p.StepTimeout)
	p.Timeout = getEnvDuration("GATEWAY_PROVISIONING_TIMEOUT", p.Timeout)
	p.StrictStatus = getEnvBool("GATEWAY_REGISTER_STRICT_STATUS", p.StrictStatus)

	tc := &c.TokenCache
	tc.Backend = strings.ToLower(getEnv("GATEWAY_ADMIN_TOKEN_CACHE", tc.Backend))
	tc.RedisURL = getEnv("GATEWAY_REDIS_URL", tc.RedisURL)
	tc.RedisPassword = getEnv("GATEWAY_REDIS_PASSWORD", tc.RedisPassword)
	tc.RedisDB = getEnvInt("GATEWAY_REDIS_DB", tc.RedisDB)
	tc.ExpirySkew = getEnvDuration("GATEWAY_ADMIN_TOKEN_EXPIRY_SKEW", tc.ExpirySkew)
	tc.MaxEntries = getEnvInt("GATEWAY_ADMIN_TOKEN_CACHE_SIZE", tc.MaxEntries)
	tc.Warmup = getEnvBool("GATEWAY_ADMIN_TOKEN_WARMUP", tc.Warmup)

	c.Auth.VerifyTokens = getEnvBool("GATEWAY_AUTH_VERIFY_TOKENS", c.Auth.VerifyTokens)

	o := &c.Observability
	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		o.LogLevel = observability.ParseLogLevel(level)
	}
	o.LogFormat = observability.LogFormat(strings.ToLower(getEnv("GATEWAY_LOG_FORMAT", string(o.LogFormat))))
	o.MetricsEnabled = getEnvBool("GATEWAY_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("GATEWAY_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("GATEWAY_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("GATEWAY_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("GATEWAY_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("GATEWAY_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("GATEWAY_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.HealthPort == "" {
		return errors.New("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return errors.New("server port and health port must be different")
	}

	if c.Keycloak.BaseURL == "" {
		return errors.New("keycloak base URL is required")
	}
	if c.Keycloak.Realm == "" {
		return errors.New("keycloak realm is required")
	}
	if c.Keycloak.ClientID == "" {
		return errors.New("keycloak client id is required")
	}
	if c.Keycloak.AdminRealm == "" || c.Keycloak.AdminClientID == "" {
		return errors.New("keycloak admin realm and admin client id are required")
	}

	switch c.Provisioning.FailurePolicy {
	case FailurePolicyNone, FailurePolicyCompensate:
	default:
		return fmt.Errorf("invalid failure policy: %s (must be none or compensate)", c.Provisioning.FailurePolicy)
	}
	if c.Provisioning.StepTimeout < 0 || c.Provisioning.Timeout < 0 {
		return errors.New("provisioning timeouts must not be negative")
	}

	switch c.TokenCache.Backend {
	case TokenCacheNone, TokenCacheMemory:
	case TokenCacheRedis:
		if c.TokenCache.RedisURL == "" {
			return errors.New("redis URL is required for the redis token cache")
		}
	default:
		return fmt.Errorf("invalid token cache backend: %s (must be none, memory, or redis)", c.TokenCache.Backend)
	}

	switch c.Observability.LogFormat {
	case observability.JSONFormat, observability.TextFormat:
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
