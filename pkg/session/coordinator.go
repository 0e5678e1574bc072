package session

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

	"github.com/wisbric/groupowl/pkg/automation"
)

// DefaultStaleAfter is the lock age after which a holder is presumed dead.
const DefaultStaleAfter = 10 * time.Minute

var tracer = otel.Tracer("github.com/wisbric/groupowl/pkg/session")

// Opener decrypts a stored credential blob. *secret.Cipher satisfies it.
type Opener interface {
	Open(sealed []byte) ([]byte, error)
}

// Work is a unit of work run while holding the session.
type Work func(ctx context.Context, client automation.Client) error

// Coordinator hands out exclusive use of an automation session.
type Coordinator struct {
	store      Store
	factory    automation.Factory
	opener     Opener
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
	newHolder  func() string

	acquisitions *prometheus.CounterVec // session_acquisitions_total{result}
	reclaimed    prometheus.Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStaleAfter sets the lock staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithOpener decrypts stored credentials before connecting.
func WithOpener(o Opener) Option {
	return func(c *Coordinator) { c.opener = o }
}

// WithMetrics wires the acquisition and stale-lock counters.
func WithMetrics(acquisitions *prometheus.CounterVec, reclaimed prometheus.Counter) Option {
	return func(c *Coordinator) {
		c.acquisitions = acquisitions
		c.reclaimed = reclaimed
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, factory automation.Factory, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:      store,
		factory:    factory,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		newHolder:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run acquires a session, connects a client and runs work with it.
//
// It returns ErrNoSession when nothing usable is configured and
// ErrSessionBusy when another holder has the lock; acquisition never
// waits. An auth-class error from work demotes the session and leaves its
// lock alone; any other outcome releases the lock. The client is always
// disconnected.
func (c *Coordinator) Run(ctx context.Context, work Work) error {
	ctx, span := tracer.Start(ctx, "session.run")
	defer span.End()

	now := c.now()
	cleared, err := c.store.ClearStaleLocks(ctx, now.Add(-c.staleAfter))
	if err != nil {
		return err
	}
	if cleared > 0 {
		c.logger.Warn("reclaimed stale automation session locks", "count", cleared, "stale_after", c.staleAfter)
		if c.reclaimed != nil {
			c.reclaimed.Add(float64(cleared))
		}
	}

	sess, err := c.store.FindUsable(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			c.count("none")
		}
		return err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID.String()))

	if sess.Locked() {
		c.count("busy")
		return ErrSessionBusy
	}

	holder := c.newHolder()
	locked, err := c.store.TryLock(ctx, sess.ID, holder, now)
	if err != nil {
		return err
	}
	if !locked {
		c.count("busy")
		return ErrSessionBusy
	}
	c.count("acquired")

	// Lock bookkeeping must survive caller cancellation.
	bg := context.WithoutCancel(ctx)

	credential := sess.Credential
	if c.opener != nil {
		credential, err = c.opener.Open(sess.Credential)
		if err != nil {
			c.unlock(bg, sess.ID, holder)
			return fmt.Errorf("decrypting session credential: %w", err)
		}
	}

	err = c.execute(ctx, c.factory(credential), work)
	switch {
	case err == nil:
		if relErr := c.store.Release(bg, sess.ID, holder, c.now()); relErr != nil {
			c.logger.Error("releasing automation session", "session_id", sess.ID, "error", relErr)
		}
		return nil
	case automation.IsAuthError(err):
		span.SetStatus(codes.Error, "session unauthorized")
		c.count("demoted")
		if demErr := c.store.Demote(bg, sess.ID); demErr != nil {
			c.logger.Error("demoting automation session", "session_id", sess.ID, "error", demErr)
		} else {
			c.logger.Error("automation session demoted, re-authentication required",
				"session_id", sess.ID, "label", sess.Label, "error", err)
		}
		return err
	default:
		span.RecordError(err)
		c.unlock(bg, sess.ID, holder)
		return err
	}
}

func (c *Coordinator) execute(ctx context.Context, client automation.Client, work Work) error {
	defer func() {
		if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("disconnecting automation client", "error", err)
		}
	}()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	return work(ctx, client)
}

func (c *Coordinator) unlock(ctx context.Context, id uuid.UUID, holder string) {
	if err := c.store.Unlock(ctx, id, holder); err != nil {
		c.logger.Error("unlocking automation session", "session_id", id, "error", err)
	}
}

func (c *Coordinator) count(result string) {
	if c.acquisitions != nil {
		c.acquisitions.WithLabelValues(result).Inc()
	}
}
