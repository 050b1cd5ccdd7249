package api

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"` // BUYER, SELLER, ADMIN
}

// Validate checks the payload shape. An empty allowedRoles accepts any role name.
func (r RegisterRequest) Validate(allowedRoles []string) error {
	roleRules := []validation.Rule{validation.Required}
	if len(allowedRoles) > 0 {
		in := make([]interface{}, len(allowedRoles))
		for i, role := range allowedRoles {
			in[i] = role
		}
		roleRules = append(roleRules, validation.In(in...))
	}

	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(3, 255)),
		validation.Field(&r.Email, validation.Required, validation.Length(6, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&r.Role, roleRules...),
	)
}

// RegisterResponse is returned by POST /auth/register
type RegisterResponse struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks the payload shape
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

// LoginResponse is returned by POST /auth/login
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// MeResponse is returned by GET /auth/me
type MeResponse struct {
	Subject  string   `json:"sub"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}
