package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wisbric/groupowl/internal/audit"
	"github.com/wisbric/groupowl/internal/extapi"
	"github.com/wisbric/groupowl/pkg/automation"
	"github.com/wisbric/groupowl/pkg/bot"
	"github.com/wisbric/groupowl/pkg/deploy"
	"github.com/wisbric/groupowl/pkg/notify"
	"github.com/wisbric/groupowl/pkg/payment"
	"github.com/wisbric/groupowl/pkg/session"
	"github.com/wisbric/groupowl/pkg/telegram"
	"github.com/wisbric/groupowl/pkg/tenant"
)

var tracer = otel.Tracer("github.com/wisbric/groupowl/pkg/onboarding")

// TenantStore is the tenant persistence the orchestrator needs.
// *tenant.Store satisfies it.
type TenantStore interface {
	Create(ctx context.Context, p tenant.CreateParams) (*tenant.Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status tenant.Status) error
	SetWorker(ctx context.Context, id, workerID uuid.UUID) error
	SetWorkerUsername(ctx context.Context, id uuid.UUID, username string) error
	SetPaymentPlan(ctx context.Context, id uuid.UUID, planID, checkoutURL string) error
	SetDeployment(ctx context.Context, id uuid.UUID, serviceID string) error
	SetChannel(ctx context.Context, id uuid.UUID, channelID, inviteLink string) error
	GetAdmin(ctx context.Context, tenantID uuid.UUID) (*tenant.Admin, error)
	CreateAdmin(ctx context.Context, tenantID uuid.UUID, email, passwordHash string) (*tenant.Admin, error)
	EnsureHealthRow(ctx context.Context, tenantID uuid.UUID) (bool, error)
}

// WorkerStore is the service worker pool. *bot.Store satisfies it.
type WorkerStore interface {
	Get(ctx context.Context, id uuid.UUID) (*bot.Worker, error)
	FindAvailable(ctx context.Context) (*bot.Worker, error)
	SetUsername(ctx context.Context, id uuid.UUID, username string) error
	MarkInUse(ctx context.Context, id, tenantID uuid.UUID) error
}

// BotAPI validates worker tokens. *telegram.Client satisfies it.
type BotAPI interface {
	GetMe(ctx context.Context, token string) (*telegram.User, error)
}

// Payments creates billing plans. *payment.Client satisfies it.
type Payments interface {
	CreatePlan(ctx context.Context, req payment.PlanRequest) (*payment.Plan, error)
}

// Deployer provisions worker services. *deploy.Client satisfies it.
type Deployer interface {
	CreateService(ctx context.Context, req deploy.ServiceRequest) (*deploy.Service, error)
	UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error
}

// SessionRunner grants exclusive use of the automation session.
// *session.Coordinator satisfies it.
type SessionRunner interface {
	Run(ctx context.Context, work session.Work) error
}

// Notifier delivers operator alerts. *notify.Registry satisfies it.
type Notifier interface {
	Notify(ctx context.Context, alert notify.Alert) error
}

// Auditor records step outcomes. *audit.Writer satisfies it.
type Auditor interface {
	Log(entry audit.Entry)
}

// Cooldown tracks a platform-imposed wait on the automation session.
type Cooldown interface {
	Remaining(ctx context.Context) (time.Duration, error)
	Set(ctx context.Context, d time.Duration) error
}

// Deps are the collaborators of an Orchestrator. Payments, Deployer,
// Sessions, Notifier, Auditor and Cooldown may be nil; steps that need a
// missing collaborator fail with a configuration error.
type Deps struct {
	Tenants  TenantStore
	Workers  WorkerStore
	Bot      BotAPI
	Payments Payments
	Deployer Deployer
	Sessions SessionRunner
	Notifier Notifier
	Auditor  Auditor
	Cooldown Cooldown
	Steps    *prometheus.CounterVec // onboarding_steps_total{step,outcome}
}

// Orchestrator executes onboarding steps.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, logger: logger}
}

// stepFunc performs one step against a loaded tenant. skipped reports that
// the stored result was returned without an external call.
type stepFunc func(ctx context.Context, t *tenant.Tenant) (out Output, skipped bool, err error)

// externalError marks a failure reported by an external service.
type externalError struct{ err error }

func (e *externalError) Error() string { return e.err.Error() }
func (e *externalError) Unwrap() error { return e.err }

func external(err error) error { return &externalError{err: err} }

// Execute runs a single step. Validation and configuration problems come
// back as *StepError without touching the tenant. External failures mark
// the tenant failed, except in creating_channel.
func (o *Orchestrator) Execute(ctx context.Context, req StepRequest) (*StepResult, error) {
	step, err := ParseStep(string(req.Step))
	if err != nil {
		return nil, newStepError(CodeValidation, req.Step, req.TenantID, "%v", err)
	}
	req.Step = step
	if step == StepCreating {
		return o.create(ctx, req)
	}
	if req.TenantID == uuid.Nil {
		return nil, newStepError(CodeValidation, req.Step, req.TenantID, "tenant_id is required")
	}

	t, err := o.load(ctx, req.Step, req.TenantID)
	if err != nil {
		return nil, err
	}
	if t.Status == tenant.StatusFailed {
		return nil, newStepError(CodeValidation, req.Step, t.ID, "tenant onboarding failed; resume it through retry")
	}
	return o.run(ctx, req.Step, t)
}

// Retry resumes a failed tenant at req.Step and runs every remaining step
// in order. It stops at the first failure.
func (o *Orchestrator) Retry(ctx context.Context, req RetryRequest) (*RetryResult, error) {
	step, err := ParseStep(string(req.Step))
	if err != nil {
		return nil, newStepError(CodeValidation, req.Step, req.TenantID, "%v", err)
	}
	req.Step = step
	if step == StepCreating {
		return nil, newStepError(CodeValidation, step, req.TenantID, "the creating step cannot be retried")
	}
	if req.TenantID == uuid.Nil {
		return nil, newStepError(CodeValidation, step, req.TenantID, "tenant_id is required")
	}

	t, err := o.load(ctx, req.Step, req.TenantID)
	if err != nil {
		return nil, err
	}
	if t.Status != tenant.StatusFailed {
		return nil, newStepError(CodeNotFailed, req.Step, t.ID, "tenant status is %s, only failed tenants can be retried", t.Status)
	}

	if err := o.requireEarlier(ctx, req.Step, t); err != nil {
		o.logger.Warn("retry rejected", "tenant_id", t.ID, "from_step", req.Step, "error", err)
		return nil, err
	}

	if t.WorkerID == nil {
		w, err := o.deps.Workers.FindAvailable(ctx)
		if err != nil {
			if errors.Is(err, bot.ErrNoneAvailable) {
				return nil, newStepError(CodeConfiguration, req.Step, t.ID, "no service worker available")
			}
			return nil, fmt.Errorf("finding service worker: %w", err)
		}
		if err := o.deps.Tenants.SetWorker(ctx, t.ID, w.ID); err != nil {
			if errors.Is(err, tenant.ErrWorkerTaken) {
				return nil, newStepError(CodeConfiguration, req.Step, t.ID, "service worker %s was reserved concurrently, retry again", w.ID)
			}
			return nil, fmt.Errorf("associating service worker: %w", err)
		}
		o.logger.Info("re-resolved service worker for retry", "tenant_id", t.ID, "worker_id", w.ID)
	}

	o.logger.Info("retrying onboarding", "tenant_id", t.ID, "from_step", req.Step)

	results := make([]StepResult, 0, len(Steps))
	for _, step := range stepsFrom(req.Step) {
		// Reload so each step sees what the previous one stored.
		t, err = o.load(ctx, step, t.ID)
		if err != nil {
			return nil, err
		}
		res, err := o.run(ctx, step, t)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}

	t, err = o.load(ctx, StepFinalizing, t.ID)
	if err != nil {
		return nil, err
	}
	return &RetryResult{Tenant: viewOf(t), Steps: results}, nil
}

// Tenant returns the onboarding state of a tenant.
func (o *Orchestrator) Tenant(ctx context.Context, id uuid.UUID) (*TenantView, error) {
	t, err := o.deps.Tenants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := viewOf(t)
	return &v, nil
}

func (o *Orchestrator) load(ctx context.Context, step Step, id uuid.UUID) (*tenant.Tenant, error) {
	t, err := o.deps.Tenants.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, newStepError(CodeNotFound, step, id, "tenant not found")
		}
		return nil, fmt.Errorf("loading tenant: %w", err)
	}
	return t, nil
}

// completed reports whether the result of step is stored for t.
func (o *Orchestrator) completed(ctx context.Context, step Step, t *tenant.Tenant) (bool, error) {
	switch step {
	case StepCreating:
		return true, nil
	case StepValidatingWorker:
		return t.WorkerUsername != "", nil
	case StepConfiguringPayments:
		return t.PaymentPlanID != "", nil
	case StepDeployingWorker:
		return t.DeploymentServiceID != "", nil
	case StepCreatingAdmin:
		_, err := o.deps.Tenants.GetAdmin(ctx, t.ID)
		if errors.Is(err, tenant.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("reading tenant admin: %w", err)
		}
		return true, nil
	case StepCreatingChannel:
		return t.ChannelID != "" && t.InviteLink != "", nil
	case StepFinalizing:
		return t.Status == tenant.StatusActive, nil
	}
	return false, nil
}

// requireEarlier rejects step unless every step before it has stored its
// result, so no step can be skipped by calling a later one directly.
func (o *Orchestrator) requireEarlier(ctx context.Context, step Step, t *tenant.Tenant) error {
	for _, prev := range Steps {
		if prev == step {
			return nil
		}
		done, err := o.completed(ctx, prev, t)
		if err != nil {
			return err
		}
		if !done {
			return newStepError(CodeConfiguration, step, t.ID, "%s has not completed; run it before %s", prev, step)
		}
	}
	return nil
}

func (o *Orchestrator) stepFor(step Step) stepFunc {
	switch step {
	case StepValidatingWorker:
		return o.validateWorker
	case StepConfiguringPayments:
		return o.configurePayments
	case StepDeployingWorker:
		return o.deployWorker
	case StepCreatingAdmin:
		return o.createAdmin
	case StepCreatingChannel:
		return o.createChannel
	case StepFinalizing:
		return o.finalize
	}
	return nil
}

// run executes step for a loaded tenant and records the outcome.
func (o *Orchestrator) run(ctx context.Context, step Step, t *tenant.Tenant) (*StepResult, error) {
	ctx, span := tracer.Start(ctx, "onboarding."+string(step))
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", t.ID.String()))

	fn := o.stepFor(step)
	if fn == nil {
		return nil, newStepError(CodeValidation, step, t.ID, "step %q cannot run on an existing tenant", step)
	}

	out, skipped, err := fn(ctx, t)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, o.fail(ctx, step, t, err)
	}

	status := t.Status
	if next := step.Status(); t.Status.CanTransition(next) {
		if err := o.deps.Tenants.UpdateStatus(ctx, t.ID, next); err != nil {
			return nil, fmt.Errorf("advancing tenant status: %w", err)
		}
		status = next
	}

	outcome := audit.OutcomeSucceeded
	if skipped {
		outcome = audit.OutcomeSkipped
	}
	o.record(t.ID, step, outcome, "")
	o.logger.Info("onboarding step completed", "tenant_id", t.ID, "step", step, "outcome", outcome, "status", status)

	return &StepResult{Step: step, TenantID: t.ID, Status: status, Skipped: skipped, Output: out}, nil
}

// fail turns a step error into the value returned to the caller, marking
// the tenant failed when the error is tenant-fatal.
func (o *Orchestrator) fail(ctx context.Context, step Step, t *tenant.Tenant, err error) error {
	var se *StepError
	if errors.As(err, &se) {
		o.record(t.ID, step, audit.OutcomeFailed, se.Message)
		o.logger.Warn("onboarding step rejected", "tenant_id", t.ID, "step", step, "code", se.Code, "message", se.Message)
		return se
	}

	var ext *externalError
	if !errors.As(err, &ext) {
		o.record(t.ID, step, audit.OutcomeFailed, err.Error())
		o.logger.Error("onboarding step error", "tenant_id", t.ID, "step", step, "error", err)
		return fmt.Errorf("%s: %w", step, err)
	}

	se = classify(step, t.ID, ext.err)
	o.record(t.ID, step, audit.OutcomeFailed, se.Message)

	// Bookkeeping must happen even if the caller went away.
	bg := context.WithoutCancel(ctx)

	if step == StepCreatingChannel {
		o.logger.Warn("channel creation failed, tenant status unchanged",
			"tenant_id", t.ID, "code", se.Code, "retry_after", se.RetryAfter(), "error", ext.err)
		if se.Code == CodeAuthExpired {
			o.alert(bg, notify.Alert{
				Severity: notify.SeverityCritical,
				Title:    "Automation session requires re-authentication",
				Text:     "The shared automation session was rejected by the platform and has been taken out of rotation. Provision a new session before retrying channel creation.",
				TenantID: t.ID,
				Step:     string(step),
			})
		}
		return se
	}

	if t.Status.CanTransition(tenant.StatusFailed) {
		if err := o.deps.Tenants.UpdateStatus(bg, t.ID, tenant.StatusFailed); err != nil {
			o.logger.Error("marking tenant failed", "tenant_id", t.ID, "error", err)
		}
	}
	o.logger.Error("onboarding step failed, tenant marked failed",
		"tenant_id", t.ID, "step", step, "code", se.Code, "error", ext.err)
	o.alert(bg, notify.Alert{
		Severity: notify.SeverityWarning,
		Title:    fmt.Sprintf("Onboarding of %q failed", t.Name),
		Text:     se.Message,
		TenantID: t.ID,
		Step:     string(step),
	})
	return se
}

// classify maps an external failure onto a StepError.
func classify(step Step, tenantID uuid.UUID, err error) *StepError {
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		se := newStepError(CodeSessionBusy, step, tenantID, "automation session is busy, try again shortly")
		se.err = err
		return se.withRetry(true, 0)
	case errors.Is(err, session.ErrNoSession):
		se := newStepError(CodeNoSession, step, tenantID, "no automation session configured")
		se.err = err
		return se.withRetry(false, 0)
	}

	c := automation.Classify(err)
	code := CodeExternal
	switch c.Kind {
	case extapi.KindRateLimited:
		code = CodeRateLimited
	case extapi.KindAuthExpired:
		code = CodeAuthExpired
	}
	se := newStepError(code, step, tenantID, "%v", err)
	se.err = err
	return se.withRetry(c.Retryable, c.RetryAfter)
}

func (o *Orchestrator) record(tenantID uuid.UUID, step Step, outcome, errText string) {
	if o.deps.Steps != nil {
		o.deps.Steps.WithLabelValues(string(step), outcome).Inc()
	}
	if o.deps.Auditor != nil {
		o.deps.Auditor.Log(audit.Entry{TenantID: tenantID, Step: string(step), Outcome: outcome, Error: errText})
	}
}

func (o *Orchestrator) alert(ctx context.Context, a notify.Alert) {
	if o.deps.Notifier == nil {
		return
	}
	if err := o.deps.Notifier.Notify(ctx, a); err != nil {
		o.logger.Error("sending onboarding alert", "tenant_id", a.TenantID, "error", err)
	}
}
