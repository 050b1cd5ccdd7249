package keycloak

import (
	"encoding/json"
	"time"
)

// CredentialTypePassword is the only credential type the gateway sets
const CredentialTypePassword = "password"

// User is the subset of the admin API user representation the gateway writes and reads
type User struct {
	ID              string       `json:"id,omitempty"`
	Username        string       `json:"username,omitempty"`
	Email           string       `json:"email,omitempty"`
	Enabled         bool         `json:"enabled"`
	EmailVerified   bool         `json:"emailVerified,omitempty"`
	Credentials     []Credential `json:"credentials,omitempty"`
	RequiredActions []string     `json:"requiredActions,omitempty"`
}

// Credential is a password credential. Temporary=false means no reset is forced on first login.
type Credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// PasswordCredential builds a non-temporary password credential
func PasswordCredential(value string) Credential {
	return Credential{Type: CredentialTypePassword, Value: value, Temporary: false}
}

// requiredActionsUpdate always serializes requiredActions, including the empty list
type requiredActionsUpdate struct {
	RequiredActions []string `json:"requiredActions"`
}

// Role is a realm role definition as returned by the provider. Raw holds the exact
// response body so role mappings can echo the definition back unchanged.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite"`
	ClientRole  bool   `json:"clientRole"`
	ContainerID string `json:"containerId,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON writes the provider's original representation when one is held
func (r Role) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain Role
	return json.Marshal(plain(r))
}

// AdminToken is a short-lived bearer for the admin API
type AdminToken struct {
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
	// ExpiresAt is zero when the provider did not report expires_in
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ValidAt reports whether the token can still be used at t, leaving skew for the request.
// Tokens without an expiry are never considered valid for reuse.
func (t *AdminToken) ValidAt(now time.Time, skew time.Duration) bool {
	if t == nil || t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}
