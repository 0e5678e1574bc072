package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/groupowl/internal/db"
)

// PostgresStore implements Store on the automation_sessions table.
type PostgresStore struct {
	dbtx db.DBTX
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(dbtx db.DBTX) *PostgresStore {
	return &PostgresStore{dbtx: dbtx}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) ClearStaleLocks(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE automation_sessions SET locked_at = NULL, locked_by = NULL
		WHERE is_active AND locked_at IS NOT NULL AND locked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clearing stale session locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FindUsable(ctx context.Context) (*Session, error) {
	var (
		sess     Session
		lockedBy *string
	)
	err := s.dbtx.QueryRow(ctx,
		`SELECT id, label, credential, is_active, requires_reauth, last_used_at, locked_at, locked_by
		FROM automation_sessions
		WHERE is_active AND NOT requires_reauth
		ORDER BY locked_at ASC NULLS FIRST, last_used_at ASC NULLS FIRST
		LIMIT 1`,
	).Scan(&sess.ID, &sess.Label, &sess.Credential, &sess.IsActive, &sess.RequiresReauth,
		&sess.LastUsedAt, &sess.LockedAt, &lockedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("finding automation session: %w", err)
	}
	if lockedBy != nil {
		sess.LockedBy = *lockedBy
	}
	return &sess, nil
}

func (s *PostgresStore) TryLock(ctx context.Context, id uuid.UUID, holder string, at time.Time) (bool, error) {
	tag, err := s.dbtx.Exec(ctx,
		`UPDATE automation_sessions SET locked_at = $2, locked_by = $3
		WHERE id = $1 AND locked_at IS NULL AND is_active AND NOT requires_reauth`,
		id, at, holder)
	if err != nil {
		return false, fmt.Errorf("locking automation session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, id uuid.UUID, holder string, usedAt time.Time) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE automation_sessions SET locked_at = NULL, locked_by = NULL, last_used_at = $3
		WHERE id = $1 AND locked_by = $2`,
		id, holder, usedAt)
	if err != nil {
		return fmt.Errorf("releasing automation session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unlock(ctx context.Context, id uuid.UUID, holder string) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE automation_sessions SET locked_at = NULL, locked_by = NULL
		WHERE id = $1 AND locked_by = $2`,
		id, holder)
	if err != nil {
		return fmt.Errorf("unlocking automation session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Demote(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE automation_sessions SET is_active = false, requires_reauth = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("demoting automation session: %w", err)
	}
	return nil
}

// Upsert stores credential under label and puts the session back into
// rotation. An existing lock is left alone.
func (s *PostgresStore) Upsert(ctx context.Context, label string, credential []byte) error {
	_, err := s.dbtx.Exec(ctx,
		`INSERT INTO automation_sessions (label, credential) VALUES ($1, $2)
		ON CONFLICT (label) DO UPDATE
		SET credential = EXCLUDED.credential, is_active = true, requires_reauth = false`,
		label, credential)
	if err != nil {
		return fmt.Errorf("storing automation session: %w", err)
	}
	return nil
}
