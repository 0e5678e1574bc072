package tenant

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// failingDB answers every statement with err.
type failingDB struct{ err error }

func (f failingDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, f.err
}

func (f failingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, f.err
}

func (f failingDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{f.err}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func TestStore_WorkerReservationConflict(t *testing.T) {
	reserved := &pgconn.PgError{Code: "23505", ConstraintName: "tenants_worker_uniq"}
	otherUnique := &pgconn.PgError{Code: "23505", ConstraintName: "tenants_pkey"}
	workerID := uuid.New()

	tests := []struct {
		name      string
		err       error
		wantTaken bool
	}{
		{"worker already reserved", reserved, true},
		{"wrapped by driver", fmt.Errorf("exec: %w", reserved), true},
		{"other unique index", otherUnique, false},
		{"connection error", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(failingDB{err: tt.err})

			_, err := s.Create(context.Background(), CreateParams{Name: "x", ContactEmail: "a@b.co", PriceCents: 1, WorkerID: &workerID})
			if got := errors.Is(err, ErrWorkerTaken); got != tt.wantTaken {
				t.Errorf("Create() error = %v, ErrWorkerTaken = %v, want %v", err, got, tt.wantTaken)
			}

			err = s.SetWorker(context.Background(), uuid.New(), workerID)
			if got := errors.Is(err, ErrWorkerTaken); got != tt.wantTaken {
				t.Errorf("SetWorker() error = %v, ErrWorkerTaken = %v, want %v", err, got, tt.wantTaken)
			}
		})
	}
}
