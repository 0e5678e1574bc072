package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/groupowl/internal/db"
)

// Store provides database operations for service workers.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a worker Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const workerColumns = `id, token, COALESCE(username, ''), status, tenant_id, created_at, updated_at`

func scanWorker(row pgx.Row) (*Worker, error) {
	var (
		w      Worker
		status string
	)
	if err := row.Scan(&w.ID, &w.Token, &w.Username, &status, &w.TenantID, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Status = Status(status)
	return &w, nil
}

// Get returns a worker by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Worker, error) {
	w, err := scanWorker(s.dbtx.QueryRow(ctx, `SELECT `+workerColumns+` FROM service_workers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading service worker: %w", err)
	}
	return w, nil
}

// FindAvailable returns the oldest available worker no tenant has reserved.
func (s *Store) FindAvailable(ctx context.Context) (*Worker, error) {
	w, err := scanWorker(s.dbtx.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM service_workers w
		WHERE w.status = 'available'
		  AND NOT EXISTS (SELECT 1 FROM tenants t WHERE t.worker_id = w.id)
		ORDER BY w.created_at ASC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoneAvailable
		}
		return nil, fmt.Errorf("finding available service worker: %w", err)
	}
	return w, nil
}

// SetUsername records the identity reported by the messaging platform.
func (s *Store) SetUsername(ctx context.Context, id uuid.UUID, username string) error {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE service_workers SET username = $2, updated_at = now() WHERE id = $1`, id, username)
	if err != nil {
		return fmt.Errorf("setting worker username: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInUse assigns the worker to the tenant. It succeeds when the worker is
// available or already owned by the same tenant, and returns ErrTaken
// otherwise.
func (s *Store) MarkInUse(ctx context.Context, id, tenantID uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE service_workers SET status = 'in_use', tenant_id = $2, updated_at = now()
		WHERE id = $1 AND (status = 'available' OR tenant_id = $2)`, id, tenantID)
	if err != nil {
		return fmt.Errorf("marking worker in use: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrTaken
	}
	return nil
}

// Register inserts an available worker for token. It reports false when the
// token is already registered.
func (s *Store) Register(ctx context.Context, token string) (bool, error) {
	tag, err := s.dbtx.Exec(ctx,
		`INSERT INTO service_workers (token) VALUES ($1) ON CONFLICT (token) DO NOTHING`, token)
	if err != nil {
		return false, fmt.Errorf("registering service worker: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
