package onboarding

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/groupowl/internal/audit"
	"github.com/wisbric/groupowl/pkg/automation"
	"github.com/wisbric/groupowl/pkg/bot"
	"github.com/wisbric/groupowl/pkg/deploy"
	"github.com/wisbric/groupowl/pkg/payment"
	"github.com/wisbric/groupowl/pkg/tenant"
)

// create validates the request, reserves a worker and inserts the tenant.
func (o *Orchestrator) create(ctx context.Context, req StepRequest) (*StepResult, error) {
	ctx, span := tracer.Start(ctx, "onboarding.creating")
	defer span.End()

	name := strings.TrimSpace(req.Name)
	switch {
	case name == "":
		return nil, newStepError(CodeValidation, StepCreating, uuid.Nil, "name is required")
	case req.PriceCents <= 0:
		return nil, newStepError(CodeValidation, StepCreating, uuid.Nil, "price_cents must be positive")
	}
	if _, err := mail.ParseAddress(req.ContactEmail); err != nil {
		return nil, newStepError(CodeValidation, StepCreating, uuid.Nil, "contact_email is not a valid address")
	}

	// The insert reserves the worker. A concurrent create may win the same
	// auto-picked worker, in which case the next one is tried.
	var (
		w *bot.Worker
		t *tenant.Tenant
	)
	for attempt := 1; ; attempt++ {
		var err error
		w, err = o.pickWorker(ctx, req.WorkerID)
		if err != nil {
			return nil, err
		}
		t, err = o.deps.Tenants.Create(ctx, tenant.CreateParams{
			Name:         name,
			ContactEmail: req.ContactEmail,
			PriceCents:   req.PriceCents,
			WorkerID:     &w.ID,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, tenant.ErrWorkerTaken) {
			return nil, fmt.Errorf("creating tenant: %w", err)
		}
		if req.WorkerID != nil || attempt == maxWorkerPicks {
			return nil, newStepError(CodeConfiguration, StepCreating, uuid.Nil, "service worker %s is reserved by another tenant", w.ID)
		}
		o.logger.Warn("service worker reserved concurrently, picking another", "worker_id", w.ID, "attempt", attempt)
	}

	o.record(t.ID, StepCreating, audit.OutcomeSucceeded, "")
	o.logger.Info("tenant created", "tenant_id", t.ID, "name", t.Name, "worker_id", w.ID)

	return &StepResult{
		Step:     StepCreating,
		TenantID: t.ID,
		Status:   t.Status,
		Output:   Output{WorkerID: &w.ID, WorkerUsername: w.Username},
	}, nil
}

// maxWorkerPicks bounds how often create re-picks after losing a worker to
// a concurrent create.
const maxWorkerPicks = 3

// pickWorker returns the requested worker, or the oldest available one.
func (o *Orchestrator) pickWorker(ctx context.Context, id *uuid.UUID) (*bot.Worker, error) {
	if id == nil {
		w, err := o.deps.Workers.FindAvailable(ctx)
		if err != nil {
			if errors.Is(err, bot.ErrNoneAvailable) {
				return nil, newStepError(CodeConfiguration, StepCreating, uuid.Nil, "no service worker available")
			}
			return nil, fmt.Errorf("finding service worker: %w", err)
		}
		return w, nil
	}

	w, err := o.deps.Workers.Get(ctx, *id)
	if err != nil {
		if errors.Is(err, bot.ErrNotFound) {
			return nil, newStepError(CodeValidation, StepCreating, uuid.Nil, "service worker %s not found", *id)
		}
		return nil, fmt.Errorf("reading service worker: %w", err)
	}
	if w.Status != bot.StatusAvailable {
		return nil, newStepError(CodeConfiguration, StepCreating, uuid.Nil, "service worker %s is already in use", w.ID)
	}
	if w.Token == "" {
		return nil, newStepError(CodeConfiguration, StepCreating, uuid.Nil, "service worker %s has no credential", w.ID)
	}
	return w, nil
}

// worker loads the tenant's worker and checks it can serve the tenant.
func (o *Orchestrator) worker(ctx context.Context, step Step, t *tenant.Tenant) (*bot.Worker, error) {
	if t.WorkerID == nil {
		return nil, newStepError(CodeConfiguration, step, t.ID, "no service worker associated with tenant")
	}
	w, err := o.deps.Workers.Get(ctx, *t.WorkerID)
	if err != nil {
		if errors.Is(err, bot.ErrNotFound) {
			return nil, newStepError(CodeConfiguration, step, t.ID, "service worker %s no longer exists", *t.WorkerID)
		}
		return nil, fmt.Errorf("reading service worker: %w", err)
	}
	if w.Token == "" {
		return nil, newStepError(CodeConfiguration, step, t.ID, "service worker %s has no credential", w.ID)
	}
	if !w.AssignableTo(t.ID) {
		return nil, newStepError(CodeConfiguration, step, t.ID, "service worker %s is in use by another tenant", w.ID)
	}
	return w, nil
}

func (o *Orchestrator) validateWorker(ctx context.Context, t *tenant.Tenant) (Output, bool, error) {
	if t.WorkerUsername != "" {
		return Output{WorkerID: t.WorkerID, WorkerUsername: t.WorkerUsername}, true, nil
	}

	if err := o.requireEarlier(ctx, StepValidatingWorker, t); err != nil {
		return Output{}, false, err
	}
	w, err := o.worker(ctx, StepValidatingWorker, t)
	if err != nil {
		return Output{}, false, err
	}

	me, err := o.deps.Bot.GetMe(ctx, w.Token)
	if err != nil {
		return Output{}, false, external(fmt.Errorf("validating worker token: %w", err))
	}
	if me.Username == "" {
		return Output{}, false, external(errors.New("bot API returned no username for worker"))
	}

	if err := o.deps.Workers.SetUsername(ctx, w.ID, me.Username); err != nil {
		return Output{}, false, fmt.Errorf("storing worker username: %w", err)
	}
	if err := o.deps.Tenants.SetWorkerUsername(ctx, t.ID, me.Username); err != nil {
		return Output{}, false, fmt.Errorf("storing tenant worker username: %w", err)
	}
	return Output{WorkerID: &w.ID, WorkerUsername: me.Username}, false, nil
}

func (o *Orchestrator) configurePayments(ctx context.Context, t *tenant.Tenant) (Output, bool, error) {
	if t.PaymentPlanID != "" {
		return Output{PaymentPlanID: t.PaymentPlanID, CheckoutURL: t.CheckoutURL}, true, nil
	}
	if err := o.requireEarlier(ctx, StepConfiguringPayments, t); err != nil {
		return Output{}, false, err
	}
	if o.deps.Payments == nil {
		return Output{}, false, newStepError(CodeConfiguration, StepConfiguringPayments, t.ID, "payment processor not configured")
	}

	plan, err := o.deps.Payments.CreatePlan(ctx, payment.PlanRequest{
		TenantID:   t.ID,
		Name:       t.Name,
		PriceCents: t.PriceCents,
	})
	if err != nil {
		return Output{}, false, external(err)
	}

	if err := o.deps.Tenants.SetPaymentPlan(ctx, t.ID, plan.ID, plan.CheckoutURL); err != nil {
		return Output{}, false, fmt.Errorf("storing payment plan %s: %w", plan.ID, err)
	}
	return Output{PaymentPlanID: plan.ID, CheckoutURL: plan.CheckoutURL}, false, nil
}

func (o *Orchestrator) deployWorker(ctx context.Context, t *tenant.Tenant) (Output, bool, error) {
	if t.DeploymentServiceID != "" {
		return Output{ServiceID: t.DeploymentServiceID}, true, nil
	}
	if err := o.requireEarlier(ctx, StepDeployingWorker, t); err != nil {
		return Output{}, false, err
	}
	if o.deps.Deployer == nil {
		return Output{}, false, newStepError(CodeConfiguration, StepDeployingWorker, t.ID, "deployment provider not configured")
	}

	w, err := o.worker(ctx, StepDeployingWorker, t)
	if err != nil {
		return Output{}, false, err
	}

	svc, err := o.deps.Deployer.CreateService(ctx, deploy.ServiceRequest{
		TenantID:    t.ID,
		Name:        serviceName(t),
		WorkerToken: w.Token,
		Env:         channelEnv(t),
	})
	if err != nil {
		return Output{}, false, external(err)
	}

	if err := o.deps.Tenants.SetDeployment(ctx, t.ID, svc.ID); err != nil {
		return Output{}, false, fmt.Errorf("storing deployment %s: %w", svc.ID, err)
	}
	return Output{ServiceID: svc.ID}, false, nil
}

func (o *Orchestrator) createAdmin(ctx context.Context, t *tenant.Tenant) (Output, bool, error) {
	existing, err := o.deps.Tenants.GetAdmin(ctx, t.ID)
	if err == nil {
		return Output{AdminEmail: existing.Email}, true, nil
	}
	if !errors.Is(err, tenant.ErrNotFound) {
		return Output{}, false, fmt.Errorf("reading tenant admin: %w", err)
	}
	if err := o.requireEarlier(ctx, StepCreatingAdmin, t); err != nil {
		return Output{}, false, err
	}

	password, err := generatePassword()
	if err != nil {
		return Output{}, false, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Output{}, false, fmt.Errorf("hashing admin password: %w", err)
	}

	admin, err := o.deps.Tenants.CreateAdmin(ctx, t.ID, t.ContactEmail, string(hash))
	if err != nil {
		return Output{}, false, fmt.Errorf("creating tenant admin: %w", err)
	}
	return Output{AdminEmail: admin.Email, AdminPassword: password}, false, nil
}

func (o *Orchestrator) createChannel(ctx context.Context, t *tenant.Tenant) (Output, bool, error) {
	if t.ChannelID == "" {
		if err := o.requireEarlier(ctx, StepCreatingChannel, t); err != nil {
			return Output{}, false, err
		}
	} else if t.WorkerUsername == "" {
		return Output{}, false, newStepError(CodeConfiguration, StepCreatingChannel, t.ID, "service worker has not been validated yet")
	}
	if o.deps.Sessions == nil {
		return Output{}, false, newStepError(CodeNoSession, StepCreatingChannel, t.ID, "automation is not configured").withRetry(false, 0)
	}

	if o.deps.Cooldown != nil {
		wait, err := o.deps.Cooldown.Remaining(ctx)
		if err != nil {
			o.logger.Warn("reading automation cooldown", "error", err)
		} else if wait > 0 {
			return Output{}, false, newStepError(CodeRateLimited, StepCreatingChannel, t.ID,
				"automation session is cooling down after a platform rate limit").withRetry(true, wait)
		}
	}

	out := Output{ChannelID: t.ChannelID, InviteLink: t.InviteLink}
	skipped := false

	err := o.deps.Sessions.Run(ctx, func(ctx context.Context, c automation.Client) error {
		if out.ChannelID != "" {
			// The channel exists; make sure the worker still administers it.
			role, err := c.ParticipantRole(ctx, out.ChannelID, t.WorkerUsername)
			if err != nil {
				return fmt.Errorf("checking worker role: %w", err)
			}
			if !role.IsAdmin() {
				o.logger.Warn("worker lost admin rights, granting again",
					"tenant_id", t.ID, "channel_id", out.ChannelID, "role", role)
				if err := c.GrantAdmin(ctx, out.ChannelID, t.WorkerUsername); err != nil {
					return fmt.Errorf("granting admin rights: %w", err)
				}
			} else if out.InviteLink != "" {
				skipped = true
				return nil
			}
		} else {
			ch, err := c.CreateChannel(ctx, t.Name, fmt.Sprintf("Official channel of %s", t.Name))
			if err != nil {
				return fmt.Errorf("creating channel: %w", err)
			}
			out.ChannelID = ch.ID
			// Store the id right away so a later failure never creates a
			// second channel.
			if err := o.deps.Tenants.SetChannel(context.WithoutCancel(ctx), t.ID, ch.ID, ""); err != nil {
				return fmt.Errorf("storing channel %s: %w", ch.ID, err)
			}
			if err := c.GrantAdmin(ctx, ch.ID, t.WorkerUsername); err != nil {
				return fmt.Errorf("granting admin rights: %w", err)
			}
		}

		if out.InviteLink == "" {
			link, err := c.ExportInviteLink(ctx, out.ChannelID)
			if err != nil {
				return fmt.Errorf("exporting invite link: %w", err)
			}
			out.InviteLink = link
		}
		return o.deps.Tenants.SetChannel(ctx, t.ID, out.ChannelID, out.InviteLink)
	})
	if err != nil {
		if wait, ok := floodWait(err); ok && o.deps.Cooldown != nil {
			if cerr := o.deps.Cooldown.Set(context.WithoutCancel(ctx), wait); cerr != nil {
				o.logger.Warn("storing automation cooldown", "error", cerr)
			}
		}
		return Output{}, false, external(err)
	}
	return out, skipped, nil
}

func (o *Orchestrator) finalize(ctx context.Context, t *tenant.Tenant) (Output, bool, error) {
	if t.Status == tenant.StatusActive {
		return Output{WorkerID: t.WorkerID, ChannelID: t.ChannelID, InviteLink: t.InviteLink}, true, nil
	}
	if err := o.requireEarlier(ctx, StepFinalizing, t); err != nil {
		return Output{}, false, err
	}

	w, err := o.worker(ctx, StepFinalizing, t)
	if err != nil {
		return Output{}, false, err
	}

	if o.deps.Deployer != nil && t.DeploymentServiceID != "" {
		env := channelEnv(t)
		env["APP_MODE"] = "worker"
		env["TENANT_ID"] = t.ID.String()
		env["WORKER_TOKEN"] = w.Token
		if err := o.deps.Deployer.UpdateEnv(ctx, t.DeploymentServiceID, env); err != nil {
			return Output{}, false, external(err)
		}
	}

	if err := o.deps.Workers.MarkInUse(ctx, w.ID, t.ID); err != nil {
		if errors.Is(err, bot.ErrTaken) {
			return Output{}, false, newStepError(CodeConfiguration, StepFinalizing, t.ID, "service worker %s is in use by another tenant", w.ID)
		}
		return Output{}, false, fmt.Errorf("marking worker in use: %w", err)
	}
	created, err := o.deps.Tenants.EnsureHealthRow(ctx, t.ID)
	if err != nil {
		return Output{}, false, err
	}
	if created {
		o.logger.Info("worker health row created", "tenant_id", t.ID)
	}

	return Output{WorkerID: &w.ID, ChannelID: t.ChannelID, InviteLink: t.InviteLink}, false, nil
}

func serviceName(t *tenant.Tenant) string {
	return "groupowl-worker-" + strings.ReplaceAll(t.ID.String(), "-", "")[:12]
}

func channelEnv(t *tenant.Tenant) map[string]string {
	env := map[string]string{}
	if t.ChannelID != "" {
		env["CHANNEL_ID"] = t.ChannelID
	}
	if t.InviteLink != "" {
		env["CHANNEL_INVITE_LINK"] = t.InviteLink
	}
	return env
}

func floodWait(err error) (wait time.Duration, ok bool) {
	var rpc *automation.RPCError
	if errors.As(err, &rpc) {
		return rpc.FloodWait()
	}
	return 0, false
}

// generatePassword returns a random one-time password for the tenant admin.
func generatePassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating admin password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
