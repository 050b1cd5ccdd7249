// Package config loads gateway configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML file named by
// GATEWAY_CONFIG_FILE, then environment variables.
//
// Server settings:
//
//	GATEWAY_HOST="0.0.0.0"
//	GATEWAY_PORT="8080"
//	GATEWAY_HEALTH_PORT="9090"
//
// Identity provider:
//
//	GATEWAY_KEYCLOAK_BASE_URL="http://padmini-keycloak:8090"
//	GATEWAY_KEYCLOAK_REALM="padmini-farms"
//	GATEWAY_KEYCLOAK_CLIENT_ID="padmini-gateway"
//	GATEWAY_KEYCLOAK_CLIENT_SECRET="gateway-secret"
//	GATEWAY_KEYCLOAK_ADMIN_USERNAME="admin"
//	GATEWAY_KEYCLOAK_ADMIN_PASSWORD="admin"
//
// Provisioning:
//
//	GATEWAY_PROVISIONING_ALLOWED_ROLES="BUYER,SELLER,ADMIN"
//	GATEWAY_PROVISIONING_FAILURE_POLICY="none"   # none, compensate
//	GATEWAY_PROVISIONING_IDEMPOTENT="false"
//	GATEWAY_PROVISIONING_STEP_TIMEOUT="10s"
//	GATEWAY_PROVISIONING_TIMEOUT="30s"
//	GATEWAY_REGISTER_STRICT_STATUS="false"
//
// Admin token cache:
//
//	GATEWAY_ADMIN_TOKEN_CACHE="none"   # none, memory, redis
//	GATEWAY_REDIS_URL="redis://localhost:6379/0"
//
// Observability:
//
//	GATEWAY_LOG_LEVEL="info"
//	GATEWAY_LOG_FORMAT="json"
//	GATEWAY_METRICS_ENABLED="true"
//	GATEWAY_OTEL_ENABLED="false"
//	GATEWAY_OTEL_ENDPOINT="localhost:4317"
package config
