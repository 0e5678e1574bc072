package tenant

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a tenant row does not exist.
var ErrNotFound = errors.New("tenant not found")

// ErrWorkerTaken is returned when the service worker is already reserved by
// another tenant.
var ErrWorkerTaken = errors.New("service worker reserved by another tenant")

// Status is the onboarding status of a tenant.
type Status string

const (
	StatusCreating            Status = "creating"
	StatusValidatingWorker    Status = "validating_worker"
	StatusConfiguringPayments Status = "configuring_payments"
	StatusDeployingWorker     Status = "deploying_worker"
	StatusCreatingAdmin       Status = "creating_admin"
	StatusCreatingChannel     Status = "creating_channel"
	StatusFinalizing          Status = "finalizing"
	StatusActive              Status = "active"
	StatusFailed              Status = "failed"
)

// progression is the forward-only onboarding order. failed sits outside it.
var progression = []Status{
	StatusCreating,
	StatusValidatingWorker,
	StatusConfiguringPayments,
	StatusDeployingWorker,
	StatusCreatingAdmin,
	StatusCreatingChannel,
	StatusFinalizing,
	StatusActive,
}

// Rank returns the position of s in the onboarding order, or -1 for failed
// and unknown statuses.
func (s Status) Rank() int {
	for i, p := range progression {
		if p == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// CanTransition reports whether moving from s to next is allowed: forward
// through the progression, into failed from any non-active status, or out
// of failed into any progression status (a resumed retry). active is
// absorbing.
func (s Status) CanTransition(next Status) bool {
	if s == StatusActive || !next.Valid() {
		return false
	}
	if next == StatusFailed {
		return s != StatusFailed
	}
	if s == StatusFailed {
		return true
	}
	return next.Rank() > s.Rank()
}

// Schedule is the per-tenant publishing schedule stored as JSON.
type Schedule struct {
	Enabled bool     `json:"enabled"`
	Times   []string `json:"times"`
}

// Tenant is a group onboarded onto the platform. Empty strings mean the
// corresponding external resource has not been created yet.
type Tenant struct {
	ID                  uuid.UUID
	Name                string
	ContactEmail        string
	PriceCents          int
	Status              Status
	WorkerID            *uuid.UUID
	WorkerUsername      string
	PaymentPlanID       string
	CheckoutURL         string
	DeploymentServiceID string
	ChannelID           string
	InviteLink          string
	Schedule            *Schedule
	PostNowRequestedAt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Admin is the tenant's admin-panel account.
type Admin struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateParams holds the fields needed to create a tenant row.
type CreateParams struct {
	Name         string
	ContactEmail string
	PriceCents   int
	WorkerID     *uuid.UUID
}
