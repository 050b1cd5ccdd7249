package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/padmini/gateway/pkg/keycloak"
	"github.com/padmini/gateway/pkg/observability"
)

const defaultCompensationTimeout = 10 * time.Second

// tokenInvalidator is implemented by caching admin token sources
type tokenInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Provisioner runs the user registration saga against the identity provider:
// create, resolve id, set password, clear required actions, assign role.
// Steps run strictly in order and the first failure ends the run.
type Provisioner struct {
	idp     IdentityProvider
	tokens  keycloak.AdminTokenSource
	opts    Options
	allowed map[string]bool
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a Provisioner. logger and metrics may be nil.
func New(idp IdentityProvider, tokens keycloak.AdminTokenSource, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Provisioner {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailurePolicyNone
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = defaultCompensationTimeout
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	var allowed map[string]bool
	if len(opts.AllowedRoles) > 0 {
		allowed = make(map[string]bool, len(opts.AllowedRoles))
		for _, role := range opts.AllowedRoles {
			allowed[role] = true
		}
	}

	return &Provisioner{
		idp:     idp,
		tokens:  tokens,
		opts:    opts,
		allowed: allowed,
		logger:  logger,
		metrics: metrics,
	}
}

// Provision registers req.Username with req.Role. It never returns an error; every
// failure is reported through the Result.
func (p *Provisioner) Provision(ctx context.Context, req Request) (result Result) {
	start := time.Now()

	ctx, span := observability.Tracer().Start(ctx, "provisioning.Provision", trace.WithAttributes(
		attribute.String("user.username", req.Username),
		attribute.String("user.role", req.Role),
	))
	defer func() { observability.EndSpan(span, result.Cause) }()

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	logger := observability.FromContext(observability.WithDefaultLogger(ctx, p.logger)).WithFields(map[string]interface{}{
		"username": req.Username,
		"role":     req.Role,
	})

	r := &run{p: p, req: req, logger: logger}
	result = r.execute(ctx)

	if result.Succeeded() {
		span.SetAttributes(attribute.String("user.id", result.UserID))
		logger.WithField("user_id", result.UserID).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Info("User provisioned")
	} else {
		logger.WithError(result.Cause).
			WithField("failed_step", string(result.FailedStep)).
			WithField("user_id", result.UserID).
			WithField("rolled_back", result.RolledBack).
			Error("Registration failed")
	}

	if p.metrics != nil {
		p.metrics.ProvisioningTotal.WithLabelValues(result.Outcome.String(), string(result.FailedStep)).Inc()
	}
	return result
}

// run carries the state of one Provision call
type run struct {
	p       *Provisioner
	req     Request
	logger  *observability.Logger
	token   string
	userID  string
	created bool
}

func (r *run) execute(ctx context.Context) Result {
	p := r.p

	if p.allowed != nil && !p.allowed[r.req.Role] {
		return r.fail(ctx, &StepError{
			Step:        StepValidate,
			Description: fmt.Sprintf("role %q is not one of %s", r.req.Role, strings.Join(p.opts.AllowedRoles, ", ")),
			Err:         ErrRoleNotAllowed,
		})
	}

	if err := r.acquireToken(ctx); err != nil {
		return r.fail(ctx, err)
	}

	// 1. create, credentials included
	err := r.step(ctx, StepCreateUser, func(ctx context.Context) error {
		return p.idp.CreateUser(ctx, r.token, keycloak.User{
			Username:    r.req.Username,
			Email:       r.req.Email,
			Enabled:     true,
			Credentials: []keycloak.Credential{keycloak.PasswordCredential(r.req.Password)},
		})
	})
	switch {
	case err == nil:
		r.created = true
	case p.opts.Idempotent && errors.Is(err, keycloak.ErrConflict):
		r.logger.Info("User already exists, resuming provisioning")
	default:
		return r.fail(ctx, &StepError{Step: StepCreateUser, Description: "failed to create user", Err: err})
	}

	// 2. resolve id with the same token
	var user *keycloak.User
	err = r.step(ctx, StepResolveUser, func(ctx context.Context) error {
		var err error
		user, err = p.idp.FindUserByUsername(ctx, r.token, r.req.Username)
		return err
	})
	if err != nil {
		desc := "failed to resolve user id"
		if errors.Is(err, keycloak.ErrNotFound) {
			desc = "user not found after creation"
			if !r.created {
				// the conflict came from another account, e.g. a duplicate email
				desc = "existing user not found for username"
			}
		}
		return r.fail(ctx, &StepError{Step: StepResolveUser, Description: desc, Err: err})
	}
	r.userID = user.ID

	if !r.created && !strings.EqualFold(user.Email, r.req.Email) {
		return r.fail(ctx, &StepError{Step: StepCreateUser, Description: "failed to create user", Err: ErrUserMismatch})
	}

	// 3. password
	err = r.step(ctx, StepSetPassword, func(ctx context.Context) error {
		return p.idp.ResetPassword(ctx, r.token, r.userID, keycloak.PasswordCredential(r.req.Password))
	})
	if err != nil {
		return r.fail(ctx, &StepError{Step: StepSetPassword, Description: "failed to set password", Err: err})
	}

	// 4. unblock login
	err = r.step(ctx, StepClearActions, func(ctx context.Context) error {
		return p.idp.ClearRequiredActions(ctx, r.token, r.userID)
	})
	if err != nil {
		return r.fail(ctx, &StepError{Step: StepClearActions, Description: "failed to clear required actions", Err: err})
	}

	// 5. role, under a freshly acquired token
	if err := r.acquireToken(ctx); err != nil {
		return r.fail(ctx, err)
	}
	desc := "failed to assign role " + r.req.Role
	err = r.step(ctx, StepAssignRole, func(ctx context.Context) error {
		role, err := p.idp.GetRealmRole(ctx, r.token, r.req.Role)
		if err != nil {
			desc = "failed to look up role " + r.req.Role
			return err
		}
		return p.idp.AddRealmRoleMappings(ctx, r.token, r.userID, *role)
	})
	if err != nil {
		return r.fail(ctx, &StepError{Step: StepAssignRole, Description: desc, Err: err})
	}

	return Result{
		Outcome: OutcomeSuccess,
		UserID:  r.userID,
		Message: "User registered with role " + r.req.Role,
	}
}

func (r *run) acquireToken(ctx context.Context) error {
	return r.step(ctx, StepAdminToken, func(ctx context.Context) error {
		token, err := r.p.tokens.AdminToken(ctx)
		if err != nil {
			return &StepError{Step: StepAdminToken, Description: "failed to obtain admin token", Err: err}
		}
		r.token = token.AccessToken
		return nil
	})
}

// step runs fn under the per-step deadline inside its own span
func (r *run) step(ctx context.Context, step Step, fn func(context.Context) error) (err error) {
	p := r.p
	start := time.Now()

	ctx, span := observability.Tracer().Start(ctx, "provisioning."+string(step))
	defer func() { observability.EndSpan(span, err) }()

	if p.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.StepTimeout)
		defer cancel()
	}

	err = fn(ctx)

	status := "ok"
	if err != nil {
		status = "error"
		if keycloak.StatusOf(err) == http.StatusUnauthorized {
			r.invalidateToken(ctx)
		}
	}
	if p.metrics != nil {
		p.metrics.ProvisioningStepDuration.WithLabelValues(string(step), status).Observe(time.Since(start).Seconds())
	}
	r.logger.WithField("step", string(step)).
		WithField("status", status).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("Provisioning step finished")
	return err
}

// invalidateToken drops a cached admin token the provider no longer accepts
func (r *run) invalidateToken(ctx context.Context) {
	inv, ok := r.p.tokens.(tokenInvalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(context.WithoutCancel(ctx)); err != nil {
		r.logger.WithError(err).Warn("Failed to invalidate admin token")
	}
}

func (r *run) fail(ctx context.Context, err error) Result {
	var stepErr *StepError
	step := StepValidate
	if errors.As(err, &stepErr) {
		step = stepErr.Step
	}

	result := Result{
		Outcome:    OutcomeFailure,
		UserID:     r.userID,
		FailedStep: step,
		Cause:      err,
		Message:    "Registration failed: " + err.Error(),
	}

	if r.created && r.p.opts.FailurePolicy == FailurePolicyCompensate {
		if rbErr := r.compensate(ctx); rbErr != nil {
			result.Message += " (rollback failed: " + rbErr.Error() + ")"
		} else {
			result.RolledBack = true
			result.UserID = ""
			result.Message += " (partially created user removed)"
		}
	}
	return result
}

// compensate deletes the user created by this run. It runs detached from the request
// deadline so a timed-out run can still clean up.
func (r *run) compensate(parent context.Context) (err error) {
	p := r.p
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.opts.CompensationTimeout)
	defer cancel()

	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		if p.metrics != nil {
			p.metrics.ProvisioningCompensation.WithLabelValues(status).Inc()
		}
	}()

	userID := r.userID
	token, err := p.tokens.AdminToken(ctx)
	if err != nil {
		return fmt.Errorf("admin token: %w", err)
	}
	if userID == "" {
		user, err := p.idp.FindUserByUsername(ctx, token.AccessToken, r.req.Username)
		if err != nil {
			return fmt.Errorf("resolve user: %w", err)
		}
		userID = user.ID
	}
	if err := p.idp.DeleteUser(ctx, token.AccessToken, userID); err != nil {
		return err
	}

	r.logger.WithField("user_id", userID).Warn("Rolled back partially provisioned user")
	return nil
}
