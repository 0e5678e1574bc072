// Package scheduler keeps a tenant's periodic publishing jobs in step with
// the schedule stored on the tenant row, and runs manual "post now"
// requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/wisbric/groupowl/pkg/tenant"
)

// DistributionLead is how long before each posting time the distribution
// job runs.
const DistributionLead = 5 * time.Minute

// Job names used in logs and metrics.
const (
	JobDistribution = "distribution"
	JobPosting      = "posting"
	JobManual       = "manual"
)

// DefaultSchedule is used whenever a tenant's schedule cannot be read or
// has no valid time.
func DefaultSchedule() tenant.Schedule {
	return tenant.Schedule{Enabled: true, Times: []string{"09:00", "13:00", "18:00", "21:00"}}
}

// Store is the tenant state the scheduler reads and writes.
// *tenant.Store satisfies it.
type Store interface {
	GetSchedule(ctx context.Context, id uuid.UUID) (*tenant.Schedule, error)
	PostNowRequestedAt(ctx context.Context, id uuid.UUID) (*time.Time, error)
	ClearPostNow(ctx context.Context, id uuid.UUID, observed time.Time) (bool, error)
	Heartbeat(ctx context.Context, tenantID uuid.UUID, at time.Time) error
}

// Jobs are the publishing jobs the scheduler fires. *publish.Publisher
// satisfies it.
type Jobs interface {
	Distribute(ctx context.Context, tenantID uuid.UUID) error
	Post(ctx context.Context, tenantID uuid.UUID) error
}

// Cron registers periodic functions. *cron.Cron satisfies it.
type Cron interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Remove(id cron.EntryID)
	Start()
	Stop() context.Context
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCron replaces the cron engine.
func WithCron(c Cron) Option {
	return func(s *Scheduler) { s.cron = c }
}

// WithIntervals sets the reload and manual-trigger poll intervals.
func WithIntervals(reload, poll time.Duration) Option {
	return func(s *Scheduler) {
		if reload > 0 {
			s.reloadEvery = reload
		}
		if poll > 0 {
			s.pollEvery = poll
		}
	}
}

// WithReloadSignal makes Run reload as soon as a value arrives on ch,
// in addition to the periodic reload.
func WithReloadSignal(ch <-chan struct{}) Option {
	return func(s *Scheduler) { s.reloadSignal = ch }
}

// WithMetrics sets the rebuild counter and the job run counter
// (jobs_total{job,outcome}).
func WithMetrics(rebuilds prometheus.Counter, runs *prometheus.CounterVec) Option {
	return func(s *Scheduler) {
		s.rebuilds = rebuilds
		s.runs = runs
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler drives the publishing jobs of one tenant.
type Scheduler struct {
	tenantID uuid.UUID
	store    Store
	jobs     Jobs
	cron     Cron
	logger   *slog.Logger

	reloadEvery  time.Duration
	pollEvery    time.Duration
	reloadSignal <-chan struct{}
	rebuilds     prometheus.Counter
	runs         *prometheus.CounterVec
	now          func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	applied *tenant.Schedule
	entries []cron.EntryID

	manualInFlight atomic.Bool
}

// New creates a Scheduler for tenantID. Jobs fire in loc.
func New(tenantID uuid.UUID, store Store, jobs Jobs, loc *time.Location, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		tenantID:    tenantID,
		store:       store,
		jobs:        jobs,
		logger:      logger.With("tenant_id", tenantID),
		reloadEvery: time.Minute,
		pollEvery:   10 * time.Second,
		now:         time.Now,
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
		)
	}
	return s
}

// Load reads the tenant's schedule and drops times that do not parse as
// HH:MM. Read failures, a missing schedule and a schedule left without a
// valid time all yield DefaultSchedule.
func (s *Scheduler) Load(ctx context.Context) tenant.Schedule {
	sch, err := s.store.GetSchedule(ctx, s.tenantID)
	switch {
	case err != nil:
		s.logger.Warn("reading schedule, using default", "error", err)
		return DefaultSchedule()
	case sch == nil || len(sch.Times) == 0:
		return DefaultSchedule()
	}

	valid := make([]string, 0, len(sch.Times))
	for _, at := range sch.Times {
		if _, _, err := parseClock(at); err != nil {
			s.logger.Warn("skipping invalid schedule time", "time", at, "error", err)
			continue
		}
		valid = append(valid, at)
	}
	if len(valid) == 0 {
		s.logger.Warn("schedule has no valid time, using default", "times", sch.Times)
		return DefaultSchedule()
	}
	out := *sch
	out.Times = valid
	return out
}

// Reload loads the schedule and rebuilds the job set if it differs from
// the applied one. It reports whether a rebuild happened.
func (s *Scheduler) Reload(ctx context.Context) (bool, error) {
	sch := s.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied != nil && reflect.DeepEqual(*s.applied, sch) {
		return false, nil
	}

	initial := s.applied == nil
	if err := s.materialize(sch); err != nil {
		return false, err
	}
	s.applied = &sch

	if !initial && s.rebuilds != nil {
		s.rebuilds.Inc()
	}
	s.logger.Info("schedule applied", "enabled", sch.Enabled, "times", sch.Times, "jobs", len(s.entries), "initial", initial)
	return true, nil
}

// Applied returns the schedule the current job set was built from.
func (s *Scheduler) Applied() (tenant.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied == nil {
		return tenant.Schedule{}, false
	}
	return *s.applied, true
}

// materialize replaces every registered job with a distribution and a
// posting job per configured time. Callers hold s.mu.
func (s *Scheduler) materialize(sch tenant.Schedule) error {
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]

	for _, at := range sch.Times {
		postSpec, distSpec, err := specs(at)
		if err != nil {
			s.logger.Warn("skipping invalid schedule time", "time", at, "error", err)
			continue
		}

		id, err := s.cron.AddFunc(distSpec, func() { s.fire(JobDistribution) })
		if err != nil {
			return fmt.Errorf("adding distribution job for %s: %w", at, err)
		}
		s.entries = append(s.entries, id)

		id, err = s.cron.AddFunc(postSpec, func() { s.fire(JobPosting) })
		if err != nil {
			return fmt.Errorf("adding posting job for %s: %w", at, err)
		}
		s.entries = append(s.entries, id)
	}
	return nil
}

// fire runs a cron-triggered job. Posting honours the enabled flag of the
// schedule loaded most recently.
func (s *Scheduler) fire(job string) {
	s.mu.Lock()
	ctx := s.ctx
	enabled := s.applied != nil && s.applied.Enabled
	s.mu.Unlock()

	if job == JobPosting && !enabled {
		s.logger.Info("posting disabled, skipping run")
		s.count(job, "skipped")
		return
	}
	_ = s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job string) error {
	fn := s.jobs.Post
	if job == JobDistribution {
		fn = s.jobs.Distribute
	}

	start := s.now()
	if err := fn(ctx, s.tenantID); err != nil {
		s.logger.Error("scheduled job failed", "job", job, "error", err)
		s.count(job, "failed")
		return err
	}
	s.logger.Info("scheduled job completed", "job", job, "duration", s.now().Sub(start))
	s.count(job, "succeeded")
	return nil
}

func (s *Scheduler) count(job, outcome string) {
	if s.runs != nil {
		s.runs.WithLabelValues(job, outcome).Inc()
	}
}

// CheckManualTrigger runs the posting job once if a manual run has been
// requested and none is in flight. The request flag is cleared only if it
// still holds the value observed before the run, and is cleared even when
// the job fails. It reports whether the job ran.
func (s *Scheduler) CheckManualTrigger(ctx context.Context) (bool, error) {
	if !s.manualInFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	defer s.manualInFlight.Store(false)

	at, err := s.store.PostNowRequestedAt(ctx, s.tenantID)
	if err != nil {
		return false, fmt.Errorf("reading manual trigger: %w", err)
	}
	if at == nil {
		return false, nil
	}

	s.logger.Info("manual post requested", "requested_at", *at)
	jobErr := s.run(ctx, JobManual)

	cleared, err := s.store.ClearPostNow(context.WithoutCancel(ctx), s.tenantID, *at)
	if err != nil {
		return true, errors.Join(jobErr, err)
	}
	if !cleared {
		s.logger.Info("manual trigger changed during run, leaving newer request in place")
	}
	return true, jobErr
}

// Run applies the schedule, starts the cron engine and then reloads and
// polls for manual triggers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.Reload(ctx); err != nil {
		return fmt.Errorf("applying initial schedule: %w", err)
	}
	s.heartbeat(ctx)

	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	s.logger.Info("scheduler started", "reload_interval", s.reloadEvery, "poll_interval", s.pollEvery)

	signal := s.reloadSignal
	reload := time.NewTicker(s.reloadEvery)
	defer reload.Stop()
	poll := time.NewTicker(s.pollEvery)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-reload.C:
			s.reload(ctx)
			s.heartbeat(ctx)
		case _, ok := <-signal:
			if !ok {
				signal = nil
				continue
			}
			s.logger.Debug("schedule change signalled")
			s.reload(ctx)
		case <-poll.C:
			if _, err := s.CheckManualTrigger(ctx); err != nil {
				s.logger.Error("manual trigger", "error", err)
			}
		}
	}
}

func (s *Scheduler) reload(ctx context.Context) {
	if _, err := s.Reload(ctx); err != nil {
		s.logger.Error("reloading schedule", "error", err)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	if err := s.store.Heartbeat(ctx, s.tenantID, s.now()); err != nil {
		s.logger.Warn("recording heartbeat", "error", err)
	}
}

// specs returns the cron specs of the posting job at hh:mm and of the
// distribution job DistributionLead earlier, wrapping past midnight.
func specs(hhmm string) (post, dist string, err error) {
	h, m, err := parseClock(hhmm)
	if err != nil {
		return "", "", err
	}
	const day = 24 * 60
	lead := int(DistributionLead / time.Minute)
	d := ((h*60+m-lead)%day + day) % day
	return fmt.Sprintf("%d %d * * *", m, h), fmt.Sprintf("%d %d * * *", d%60, d/60), nil
}

func parseClock(hhmm string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", hhmm)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return hour, minute, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
