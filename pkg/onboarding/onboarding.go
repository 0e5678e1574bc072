// Package onboarding drives a tenant through the ordered provisioning
// steps. Every step checks whether its result is already stored before
// calling out, so any step can be re-run safely.
package onboarding

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/groupowl/pkg/tenant"
)

// Step names one onboarding step.
type Step string

const (
	StepCreating            Step = "creating"
	StepValidatingWorker    Step = "validating_worker"
	StepConfiguringPayments Step = "configuring_payments"
	StepDeployingWorker     Step = "deploying_worker"
	StepCreatingAdmin       Step = "creating_admin"
	StepCreatingChannel     Step = "creating_channel"
	StepFinalizing          Step = "finalizing"
)

// Steps lists the onboarding steps in execution order.
var Steps = []Step{
	StepCreating,
	StepValidatingWorker,
	StepConfiguringPayments,
	StepDeployingWorker,
	StepCreatingAdmin,
	StepCreatingChannel,
	StepFinalizing,
}

// aliases are accepted step names that map onto a canonical step.
var aliases = map[string]Step{
	"deploying_bot": StepDeployingWorker,
}

// ParseStep resolves a step name, including aliases.
func ParseStep(name string) (Step, error) {
	if s, ok := aliases[name]; ok {
		return s, nil
	}
	for _, s := range Steps {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown onboarding step %q", name)
}

// Status is the tenant status a successful run of the step leaves behind.
func (s Step) Status() tenant.Status {
	if s == StepFinalizing {
		return tenant.StatusActive
	}
	return tenant.Status(s)
}

// stepsFrom returns start and every step after it.
func stepsFrom(start Step) []Step {
	for i, s := range Steps {
		if s == start {
			return Steps[i:]
		}
	}
	return nil
}

// Error codes carried by StepError.
const (
	CodeValidation    = "validation_error"
	CodeConfiguration = "configuration_error"
	CodeNotFound      = "not_found"
	CodeNotFailed     = "not_failed"
	CodeSessionBusy   = "session_busy"
	CodeNoSession     = "no_session"
	CodeRateLimited   = "rate_limited"
	CodeAuthExpired   = "auth_expired"
	CodeExternal      = "external_error"
)

// ErrNotFailed is matched by StepErrors returned when a retry targets a
// tenant that is not in the failed status.
var ErrNotFailed = errors.New("tenant is not in failed status")

// StepError is the structured failure returned by every step.
type StepError struct {
	Code              string    `json:"code"`
	Message           string    `json:"message"`
	Step              Step      `json:"step"`
	TenantID          uuid.UUID `json:"tenant_id"`
	Retryable         *bool     `json:"retryable,omitempty"`
	RetryAfterSeconds *int      `json:"retry_after_seconds,omitempty"`

	err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Step, e.Code, e.Message)
}

func (e *StepError) Unwrap() error { return e.err }

// Is matches ErrNotFailed by code.
func (e *StepError) Is(target error) bool {
	return target == ErrNotFailed && e.Code == CodeNotFailed
}

// IsRetryable reports whether the caller may simply try again.
func (e *StepError) IsRetryable() bool {
	return e.Retryable != nil && *e.Retryable
}

// RetryAfter returns the suggested delay, or zero.
func (e *StepError) RetryAfter() time.Duration {
	if e.RetryAfterSeconds == nil {
		return 0
	}
	return time.Duration(*e.RetryAfterSeconds) * time.Second
}

func newStepError(code string, step Step, tenantID uuid.UUID, format string, args ...any) *StepError {
	return &StepError{Code: code, Step: step, TenantID: tenantID, Message: fmt.Sprintf(format, args...)}
}

func (e *StepError) withRetry(retryable bool, after time.Duration) *StepError {
	e.Retryable = &retryable
	if after > 0 {
		secs := int((after + time.Second - 1) / time.Second)
		e.RetryAfterSeconds = &secs
	}
	return e
}

// StepRequest asks for one step to run. TenantID is required for every
// step except creating, which takes the remaining fields instead.
type StepRequest struct {
	Step         Step
	TenantID     uuid.UUID
	Name         string
	ContactEmail string
	PriceCents   int
	WorkerID     *uuid.UUID
}

// RetryRequest resumes a failed tenant from Step.
type RetryRequest struct {
	TenantID uuid.UUID
	Step     Step
}

// Output carries what a step produced (or found already stored).
type Output struct {
	WorkerID       *uuid.UUID `json:"worker_id,omitempty"`
	WorkerUsername string     `json:"worker_username,omitempty"`
	PaymentPlanID  string     `json:"payment_plan_id,omitempty"`
	CheckoutURL    string     `json:"checkout_url,omitempty"`
	ServiceID      string     `json:"deployment_service_id,omitempty"`
	AdminEmail     string     `json:"admin_email,omitempty"`
	AdminPassword  string     `json:"admin_password,omitempty"`
	ChannelID      string     `json:"channel_id,omitempty"`
	InviteLink     string     `json:"invite_link,omitempty"`
}

// StepResult is the success envelope of a step.
type StepResult struct {
	Step     Step          `json:"step"`
	TenantID uuid.UUID     `json:"tenant_id"`
	Status   tenant.Status `json:"status"`
	Skipped  bool          `json:"skipped"`
	Output   Output        `json:"output"`
}

// RetryResult is the outcome of a successful retry.
type RetryResult struct {
	Tenant TenantView   `json:"tenant"`
	Steps  []StepResult `json:"steps"`
}

// TenantView is the onboarding state of a tenant as exposed over the API.
type TenantView struct {
	ID                  uuid.UUID     `json:"id"`
	Name                string        `json:"name"`
	ContactEmail        string        `json:"contact_email"`
	PriceCents          int           `json:"price_cents"`
	Status              tenant.Status `json:"status"`
	WorkerID            *uuid.UUID    `json:"worker_id,omitempty"`
	WorkerUsername      string        `json:"worker_username,omitempty"`
	PaymentPlanID       string        `json:"payment_plan_id,omitempty"`
	CheckoutURL         string        `json:"checkout_url,omitempty"`
	DeploymentServiceID string        `json:"deployment_service_id,omitempty"`
	ChannelID           string        `json:"channel_id,omitempty"`
	InviteLink          string        `json:"invite_link,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func viewOf(t *tenant.Tenant) TenantView {
	return TenantView{
		ID:                  t.ID,
		Name:                t.Name,
		ContactEmail:        t.ContactEmail,
		PriceCents:          t.PriceCents,
		Status:              t.Status,
		WorkerID:            t.WorkerID,
		WorkerUsername:      t.WorkerUsername,
		PaymentPlanID:       t.PaymentPlanID,
		CheckoutURL:         t.CheckoutURL,
		DeploymentServiceID: t.DeploymentServiceID,
		ChannelID:           t.ChannelID,
		InviteLink:          t.InviteLink,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}
