package provisioning

import (
	"context"
	"errors"
	"time"

	"github.com/padmini/gateway/pkg/keycloak"
)

// IdentityProvider is the admin API surface the provisioner drives.
// *keycloak.Client satisfies it.
type IdentityProvider interface {
	CreateUser(ctx context.Context, token string, user keycloak.User) error
	FindUserByUsername(ctx context.Context, token, username string) (*keycloak.User, error)
	ResetPassword(ctx context.Context, token, userID string, cred keycloak.Credential) error
	ClearRequiredActions(ctx context.Context, token, userID string) error
	GetRealmRole(ctx context.Context, token, name string) (*keycloak.Role, error)
	AddRealmRoleMappings(ctx context.Context, token, userID string, roles ...keycloak.Role) error
	DeleteUser(ctx context.Context, token, userID string) error
}

// Request asks for a new user bound to one realm role
type Request struct {
	Username string
	Email    string
	Password string
	Role     string
}

// Step names a stage of the provisioning run
type Step string

const (
	StepValidate     Step = "validate"
	StepAdminToken   Step = "admin_token"
	StepCreateUser   Step = "create_user"
	StepResolveUser  Step = "resolve_user"
	StepSetPassword  Step = "set_password"
	StepClearActions Step = "clear_required_actions"
	StepAssignRole   Step = "assign_role"
)

// Outcome tags a Result
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Result is the single outcome of Provision. UserID is set on success and, when known,
// on failures after creation. FailedStep and Cause are only set on failure.
type Result struct {
	Outcome    Outcome
	UserID     string
	Message    string
	FailedStep Step
	Cause      error

	// RolledBack is true when a partially created user was deleted again
	RolledBack bool
}

// Succeeded reports whether every step completed
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// FailurePolicy decides what happens to a user created by a run that later fails
type FailurePolicy string

const (
	// FailurePolicyNone leaves the partially created user in place
	FailurePolicyNone FailurePolicy = "none"
	// FailurePolicyCompensate deletes the user this run created
	FailurePolicyCompensate FailurePolicy = "compensate"
)

// ErrRoleNotAllowed is returned for roles outside Options.AllowedRoles
var ErrRoleNotAllowed = errors.New("role is not allowed")

// ErrUserMismatch is returned in idempotent mode when the existing account belongs to someone else
var ErrUserMismatch = errors.New("existing user does not match request")

// Options tunes a Provisioner. The zero value keeps the baseline behavior:
// no compensation, no idempotent create, no role allow-list and no deadlines.
type Options struct {
	FailurePolicy FailurePolicy

	// Idempotent treats a duplicate-username conflict at creation as "already created"
	// and resumes at id resolution, so a retry after a partial failure can converge.
	Idempotent bool

	// AllowedRoles rejects other role names before any remote call; empty allows all
	AllowedRoles []string

	StepTimeout         time.Duration
	Timeout             time.Duration
	CompensationTimeout time.Duration
}

// StepError ties a failure to the step that produced it
type StepError struct {
	Step        Step
	Description string
	Err         error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return e.Description
	}
	return e.Description + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}
