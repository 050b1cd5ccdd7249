package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/padmini/gateway/pkg/observability"
)

// Operation names used in errors, metrics and spans
const (
	OpAdminToken           = "admin_token"
	OpUserToken            = "user_token"
	OpCreateUser           = "create_user"
	OpFindUser             = "find_user"
	OpResetPassword        = "reset_password"
	OpClearRequiredActions = "clear_required_actions"
	OpGetRealmRole         = "get_realm_role"
	OpAssignRealmRole      = "assign_realm_role"
	OpDeleteUser           = "delete_user"
	OpPing                 = "ping"
)

const maxResponseBody = 1 << 20

// Config locates the provider and names the clients used against it
type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string

	AdminRealm    string
	AdminClientID string
	AdminUsername string
	AdminPassword string

	Timeout time.Duration
}

func (c Config) tokenURL(realm string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(realm))
}

// IssuerURL is the realm issuer, e.g. http://host/realms/padmini-farms
func (c Config) IssuerURL() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(c.Realm))
}

// JWKSURL is where the realm publishes its signing keys
func (c Config) JWKSURL() string {
	return c.IssuerURL() + "/protocol/openid-connect/certs"
}

// NewHTTPClient returns a traced client with the given overall timeout
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Client performs admin API calls against one realm and owns the user password grant
type Client struct {
	cfg        Config
	adminBase  string
	httpClient *http.Client
	metrics    *observability.Metrics
	userGrant  *passwordGrant
}

// Option configures a Client
type Option func(*Client)

// WithMetrics records per-operation request counts and latencies
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient builds a Client. A nil httpClient gets a traced client using cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}
	c := &Client{
		cfg:        cfg,
		adminBase:  fmt.Sprintf("%s/admin/realms/%s", strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.Realm)),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.userGrant = newPasswordGrant(OpUserToken, "user", cfg.tokenURL(cfg.Realm), cfg.ClientID, cfg.ClientSecret, httpClient, c.metrics)
	return c
}

// Config returns the configuration the client was built with
func (c *Client) Config() Config {
	return c.cfg
}

// UserToken runs the password grant for an end user with the application client
func (c *Client) UserToken(ctx context.Context, username, password string) (*oauth2.Token, error) {
	return c.userGrant.exchange(ctx, username, password)
}

// CreateUser creates an enabled user. The provider returns no body; callers look the id up.
func (c *Client) CreateUser(ctx context.Context, token string, user User) error {
	return c.do(ctx, OpCreateUser, http.MethodPost, "/users", token, user, nil)
}

// FindUserByUsername returns the user whose username matches exactly (case-insensitive).
// A search with no exact match yields an error matching ErrNotFound.
func (c *Client) FindUserByUsername(ctx context.Context, token, username string) (*User, error) {
	var users []User
	path := "/users?" + url.Values{"username": {username}}.Encode()
	if err := c.do(ctx, OpFindUser, http.MethodGet, path, token, nil, &users); err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Username, username) {
			if users[i].ID == "" {
				return nil, dataShapeError(OpFindUser, fmt.Errorf("user %q has no id", username))
			}
			return &users[i], nil
		}
	}
	return nil, &Error{Op: OpFindUser, Kind: KindNotFound, Err: fmt.Errorf("user %q not found", username)}
}

// ResetPassword sets the user's password credential
func (c *Client) ResetPassword(ctx context.Context, token, userID string, cred Credential) error {
	return c.do(ctx, OpResetPassword, http.MethodPut, "/users/"+url.PathEscape(userID)+"/reset-password", token, cred, nil)
}

// ClearRequiredActions empties the user's requiredActions so login is not blocked
func (c *Client) ClearRequiredActions(ctx context.Context, token, userID string) error {
	body := requiredActionsUpdate{RequiredActions: []string{}}
	return c.do(ctx, OpClearRequiredActions, http.MethodPut, "/users/"+url.PathEscape(userID), token, body, nil)
}

// GetRealmRole fetches a realm role definition, keeping the raw JSON
func (c *Client) GetRealmRole(ctx context.Context, token, name string) (*Role, error) {
	var raw json.RawMessage
	if err := c.do(ctx, OpGetRealmRole, http.MethodGet, "/roles/"+url.PathEscape(name), token, nil, &raw); err != nil {
		return nil, err
	}

	var role Role
	if err := json.Unmarshal(raw, &role); err != nil {
		return nil, dataShapeError(OpGetRealmRole, err)
	}
	if role.Name == "" {
		return nil, dataShapeError(OpGetRealmRole, fmt.Errorf("role %q has no name", name))
	}
	role.Raw = raw
	return &role, nil
}

// AddRealmRoleMappings binds realm roles to a user
func (c *Client) AddRealmRoleMappings(ctx context.Context, token, userID string, roles ...Role) error {
	return c.do(ctx, OpAssignRealmRole, http.MethodPost, "/users/"+url.PathEscape(userID)+"/role-mappings/realm", token, roles, nil)
}

// DeleteUser removes a user
func (c *Client) DeleteUser(ctx context.Context, token, userID string) error {
	return c.do(ctx, OpDeleteUser, http.MethodDelete, "/users/"+url.PathEscape(userID), token, nil, nil)
}

// Ping checks that the realm is served
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.IssuerURL(), nil)
	if err != nil {
		return transportError(OpPing, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(OpPing, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode != http.StatusOK {
		return rejectionError(OpPing, resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return dataShapeError(op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.adminBase+path, body)
	if err != nil {
		return transportError(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, "error", start)
		return transportError(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	c.observe(op, strconv.Itoa(resp.StatusCode), start)
	if err != nil {
		return transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rejectionError(op, resp.StatusCode, payload)
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return dataShapeError(op, err)
		}
	}
	return nil
}

func (c *Client) observe(op, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.IdentityRequestsTotal.WithLabelValues(op, status).Inc()
	c.metrics.IdentityRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
