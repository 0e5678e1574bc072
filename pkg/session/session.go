// Package session coordinates exclusive use of the shared automation
// session across tenant processes. Exclusivity comes from a compare-and-swap
// lock on the session row; a holder that crashes is evicted once its lock
// is older than the staleness threshold.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoSession is returned when no active, authorized session exists.
	// An operator has to provision one.
	ErrNoSession = errors.New("no automation session configured")
	// ErrSessionBusy is returned when the session is held by someone else.
	// Callers should back off and retry.
	ErrSessionBusy = errors.New("automation session busy")
)

// Session is one automation credential row.
type Session struct {
	ID             uuid.UUID
	Label          string
	Credential     []byte
	IsActive       bool
	RequiresReauth bool
	LastUsedAt     *time.Time
	LockedAt       *time.Time
	LockedBy       string
}

// Locked reports whether the session currently has a holder.
func (s *Session) Locked() bool {
	return s.LockedAt != nil
}

// Store is the persistence the Coordinator needs. TryLock must be a single
// conditional update that only succeeds while the lock is unset.
type Store interface {
	// ClearStaleLocks unlocks active sessions locked before cutoff.
	ClearStaleLocks(ctx context.Context, cutoff time.Time) (int64, error)
	// FindUsable returns an active session that does not require re-auth,
	// preferring unlocked ones. It returns ErrNoSession when none exists.
	FindUsable(ctx context.Context) (*Session, error)
	// TryLock sets locked_at/locked_by if the session is unlocked and
	// reports whether it did.
	TryLock(ctx context.Context, id uuid.UUID, holder string, at time.Time) (bool, error)
	// Release clears the lock held by holder and records last use.
	Release(ctx context.Context, id uuid.UUID, holder string, usedAt time.Time) error
	// Unlock clears the lock held by holder without touching last use.
	Unlock(ctx context.Context, id uuid.UUID, holder string) error
	// Demote takes the session out of rotation until re-authenticated.
	Demote(ctx context.Context, id uuid.UUID) error
}
