package api

import (
	"context"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gorilla/mux"

	"github.com/padmini/gateway/pkg/credentials"
	"github.com/padmini/gateway/pkg/httputil"
	"github.com/padmini/gateway/pkg/keycloak"
	"github.com/padmini/gateway/pkg/middleware"
	"github.com/padmini/gateway/pkg/observability"
	"github.com/padmini/gateway/pkg/provisioning"
)

// Provisioner registers users. *provisioning.Provisioner satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) provisioning.Result
}

// Authenticator exchanges credentials for tokens. *credentials.Exchange satisfies it.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*credentials.Grant, error)
}

// AuthHandlers handles the /auth routes
type AuthHandlers struct {
	provisioner   Provisioner
	authenticator Authenticator
	bearer        *middleware.AuthMiddleware
	allowedRoles  []string
	strictStatus  bool
	logger        *observability.Logger
}

// NewAuthHandlers creates the /auth handlers. bearer may be nil, which leaves
// GET /auth/me unregistered.
func NewAuthHandlers(p Provisioner, a Authenticator, bearer *middleware.AuthMiddleware, opts Options, logger *observability.Logger) *AuthHandlers {
	return &AuthHandlers{
		provisioner:   p,
		authenticator: a,
		bearer:        bearer,
		allowedRoles:  opts.AllowedRoles,
		strictStatus:  opts.StrictStatus,
		logger:        logger,
	}
}

// RegisterRoutes registers authentication routes
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	auth := router.PathPrefix("/auth").Subrouter()
	auth.Use(httputil.Chain(httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(maxBodyBytes)))

	auth.HandleFunc("/register", h.register).Methods(http.MethodPost)
	auth.HandleFunc("/login", h.login).Methods(http.MethodPost)
	if h.bearer != nil {
		auth.Handle("/me", h.bearer.Handler(http.HandlerFunc(h.me))).Methods(http.MethodGet)
	}
}

// register handles POST /auth/register
func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(h.allowedRoles); err != nil {
		writeValidationError(w, err)
		return
	}

	result := h.provisioner.Provision(r.Context(), provisioning.Request{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})

	status := http.StatusOK
	if h.strictStatus {
		status = registerStatus(result)
	}
	httputil.WriteJSONOrError(w, status, RegisterResponse{
		UserID:  result.UserID,
		Message: result.Message,
	}, "encode register response")
}

// registerStatus maps a provisioning outcome to a distinct HTTP status
func registerStatus(result provisioning.Result) int {
	if result.Succeeded() {
		return http.StatusCreated
	}

	cause := result.Cause
	switch {
	case errors.Is(cause, provisioning.ErrRoleNotAllowed):
		return http.StatusBadRequest
	case errors.Is(cause, keycloak.ErrConflict), errors.Is(cause, provisioning.ErrUserMismatch):
		return http.StatusConflict
	case errors.Is(cause, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(cause, keycloak.ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// login handles POST /auth/login
func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	grant, err := h.authenticator.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		status, message := loginFailure(err)
		httputil.WriteErrorMessage(w, status, message)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusOK, LoginResponse{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresInSeconds,
		TokenType:    grant.TokenType,
	}, "encode login response")
}

// loginFailure hides provider details; bad credentials and unfinished accounts both read as 401
func loginFailure(err error) (int, string) {
	switch {
	case errors.Is(err, keycloak.ErrRejected):
		switch keycloak.StatusOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return http.StatusUnauthorized, "Login failed: invalid credentials"
		}
		return http.StatusBadGateway, "Login failed: identity provider rejected the request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Login failed: identity provider timed out"
	case errors.Is(err, keycloak.ErrTransport):
		return http.StatusServiceUnavailable, "Login failed: identity provider unavailable"
	default:
		return http.StatusBadGateway, "Login failed: unexpected identity provider response"
	}
}

// me handles GET /auth/me
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r)
	if claims == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	roles := claims.Roles()
	if roles == nil {
		roles = []string{}
	}
	httputil.WriteJSONOrError(w, http.StatusOK, MeResponse{
		Subject:  claims.Subject,
		Username: claims.Username,
		Email:    claims.Email,
		Roles:    roles,
	}, "encode me response")
}

func writeValidationError(w http.ResponseWriter, err error) {
	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	details := make(map[string]string, len(fieldErrs))
	for field, fieldErr := range fieldErrs {
		details[field] = fieldErr.Error()
	}
	httputil.WriteDetailedError(w, http.StatusBadRequest, errors.New("validation failed"), details)
}
