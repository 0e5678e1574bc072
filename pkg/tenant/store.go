package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/groupowl/internal/db"
)

// Store provides database operations for tenants, their admin accounts and
// worker health rows.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a tenant Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const tenantColumns = `id, name, contact_email, price_cents, status, worker_id,
	COALESCE(worker_username, ''), COALESCE(payment_plan_id, ''), COALESCE(checkout_url, ''),
	COALESCE(deployment_service_id, ''), COALESCE(channel_id, ''), COALESCE(invite_link, ''),
	posting_schedule, post_now_requested_at, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var (
		t        Tenant
		status   string
		schedule []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.ContactEmail, &t.PriceCents, &status, &t.WorkerID,
		&t.WorkerUsername, &t.PaymentPlanID, &t.CheckoutURL,
		&t.DeploymentServiceID, &t.ChannelID, &t.InviteLink,
		&schedule, &t.PostNowRequestedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = Status(status)
	if len(schedule) > 0 {
		var s Schedule
		if err := json.Unmarshal(schedule, &s); err != nil {
			return nil, fmt.Errorf("decoding posting schedule: %w", err)
		}
		t.Schedule = &s
	}
	return &t, nil
}

// Create inserts a tenant in the creating status.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Tenant, error) {
	query := `INSERT INTO tenants (name, contact_email, price_cents, status, worker_id)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING ` + tenantColumns
	t, err := scanTenant(s.dbtx.QueryRow(ctx, query,
		p.Name, p.ContactEmail, p.PriceCents, string(StatusCreating), p.WorkerID,
	))
	if err != nil {
		if workerTaken(err) {
			return nil, ErrWorkerTaken
		}
		return nil, fmt.Errorf("inserting tenant: %w", err)
	}
	return t, nil
}

// Get returns a tenant by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(s.dbtx.QueryRow(ctx, query, id))
}

// UpdateStatus sets the tenant status.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return s.exec(ctx, "updating tenant status",
		`UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
}

// SetWorker associates a service worker with the tenant.
func (s *Store) SetWorker(ctx context.Context, id, workerID uuid.UUID) error {
	err := s.exec(ctx, "setting tenant worker",
		`UPDATE tenants SET worker_id = $2, updated_at = now() WHERE id = $1`, id, workerID)
	if workerTaken(err) {
		return ErrWorkerTaken
	}
	return err
}

// workerTaken reports whether err is a violation of tenants_worker_uniq.
func workerTaken(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		pgErr.ConstraintName == "tenants_worker_uniq"
}

// SetWorkerUsername records the validated worker identity.
func (s *Store) SetWorkerUsername(ctx context.Context, id uuid.UUID, username string) error {
	return s.exec(ctx, "setting worker username",
		`UPDATE tenants SET worker_username = $2, updated_at = now() WHERE id = $1`, id, username)
}

// SetPaymentPlan records the billing plan and its checkout URL.
func (s *Store) SetPaymentPlan(ctx context.Context, id uuid.UUID, planID, checkoutURL string) error {
	return s.exec(ctx, "setting payment plan",
		`UPDATE tenants SET payment_plan_id = $2, checkout_url = $3, updated_at = now() WHERE id = $1`,
		id, planID, checkoutURL)
}

// SetDeployment records the deployment service ID.
func (s *Store) SetDeployment(ctx context.Context, id uuid.UUID, serviceID string) error {
	return s.exec(ctx, "setting deployment",
		`UPDATE tenants SET deployment_service_id = $2, updated_at = now() WHERE id = $1`, id, serviceID)
}

// SetChannel records the channel and its invite link.
func (s *Store) SetChannel(ctx context.Context, id uuid.UUID, channelID, inviteLink string) error {
	return s.exec(ctx, "setting channel",
		`UPDATE tenants SET channel_id = $2, invite_link = $3, updated_at = now() WHERE id = $1`,
		id, channelID, inviteLink)
}

// GetSchedule returns the stored posting schedule, or nil when none is set.
func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	var raw []byte
	err := s.dbtx.QueryRow(ctx, `SELECT posting_schedule FROM tenants WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading posting schedule: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var sch Schedule
	if err := json.Unmarshal(raw, &sch); err != nil {
		return nil, fmt.Errorf("decoding posting schedule: %w", err)
	}
	return &sch, nil
}

// SetSchedule replaces the stored posting schedule.
func (s *Store) SetSchedule(ctx context.Context, id uuid.UUID, sch Schedule) error {
	raw, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("encoding posting schedule: %w", err)
	}
	return s.exec(ctx, "updating posting schedule",
		`UPDATE tenants SET posting_schedule = $2, updated_at = now() WHERE id = $1`, id, raw)
}

// RequestPostNow sets the manual-trigger timestamp.
func (s *Store) RequestPostNow(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.exec(ctx, "requesting manual post",
		`UPDATE tenants SET post_now_requested_at = $2 WHERE id = $1`, id, at)
}

// PostNowRequestedAt returns the pending manual-trigger timestamp, if any.
func (s *Store) PostNowRequestedAt(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	var at *time.Time
	err := s.dbtx.QueryRow(ctx, `SELECT post_now_requested_at FROM tenants WHERE id = $1`, id).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading manual trigger: %w", err)
	}
	return at, nil
}

// ClearPostNow clears the manual-trigger flag only if it still holds the
// observed value. It reports whether a row was cleared.
func (s *Store) ClearPostNow(ctx context.Context, id uuid.UUID, observed time.Time) (bool, error) {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE tenants SET post_now_requested_at = NULL WHERE id = $1 AND post_now_requested_at = $2`,
		id, observed)
	if err != nil {
		return false, fmt.Errorf("clearing manual trigger: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetAdmin returns the tenant's admin account.
func (s *Store) GetAdmin(ctx context.Context, tenantID uuid.UUID) (*Admin, error) {
	var a Admin
	err := s.dbtx.QueryRow(ctx,
		`SELECT id, tenant_id, email, password_hash, created_at FROM tenant_admins WHERE tenant_id = $1`,
		tenantID,
	).Scan(&a.ID, &a.TenantID, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading tenant admin: %w", err)
	}
	return &a, nil
}

// CreateAdmin inserts the tenant's admin account.
func (s *Store) CreateAdmin(ctx context.Context, tenantID uuid.UUID, email, passwordHash string) (*Admin, error) {
	var a Admin
	err := s.dbtx.QueryRow(ctx,
		`INSERT INTO tenant_admins (tenant_id, email, password_hash) VALUES ($1, $2, $3)
		RETURNING id, tenant_id, email, password_hash, created_at`,
		tenantID, email, passwordHash,
	).Scan(&a.ID, &a.TenantID, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting tenant admin: %w", err)
	}
	return &a, nil
}

// EnsureHealthRow creates the worker health row if absent and reports
// whether one was created.
func (s *Store) EnsureHealthRow(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	tag, err := s.dbtx.Exec(ctx,
		`INSERT INTO worker_health (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID)
	if err != nil {
		return false, fmt.Errorf("ensuring health row: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Heartbeat records a liveness timestamp for the tenant's worker process.
func (s *Store) Heartbeat(ctx context.Context, tenantID uuid.UUID, at time.Time) error {
	return s.exec(ctx, "recording heartbeat",
		`INSERT INTO worker_health (tenant_id, last_heartbeat_at) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		tenantID, at)
}

func (s *Store) exec(ctx context.Context, what, query string, args ...any) error {
	tag, err := s.dbtx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
