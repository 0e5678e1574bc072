// Package bot manages the pool of service worker bots that get assigned to
// tenants during onboarding.
package bot

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a worker row does not exist.
	ErrNotFound = errors.New("service worker not found")
	// ErrNoneAvailable is returned when the pool has no available worker.
	ErrNoneAvailable = errors.New("no service worker available")
	// ErrTaken is returned when a worker is already in use by another tenant.
	ErrTaken = errors.New("service worker in use by another tenant")
)

// Status is the availability of a service worker.
type Status string

const (
	StatusAvailable Status = "available"
	StatusInUse     Status = "in_use"
)

// Worker is a bot credential from the pool.
type Worker struct {
	ID        uuid.UUID
	Token     string
	Username  string
	Status    Status
	TenantID  *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AssignableTo reports whether the worker can serve the given tenant: it is
// either free or already owned by that tenant.
func (w *Worker) AssignableTo(tenantID uuid.UUID) bool {
	if w.Status == StatusAvailable {
		return true
	}
	return w.TenantID != nil && *w.TenantID == tenantID
}
