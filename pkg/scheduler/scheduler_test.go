package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/robfig/cron/v3"

	"github.com/wisbric/groupowl/pkg/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeCron records registrations instead of running them.
type fakeCron struct {
	mu      sync.Mutex
	next    cron.EntryID
	entries map[cron.EntryID]string
	funcs   map[cron.EntryID]func()
	adds    int
	removes int
	// order of calls, "add" or "remove"
	calls []string
}

func newFakeCron() *fakeCron {
	return &fakeCron{entries: map[cron.EntryID]string{}, funcs: map[cron.EntryID]func(){}}
}

func (f *fakeCron) AddFunc(spec string, cmd func()) (cron.EntryID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.entries[f.next] = spec
	f.funcs[f.next] = cmd
	f.adds++
	f.calls = append(f.calls, "add")
	return f.next, nil
}

func (f *fakeCron) Remove(id cron.EntryID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	delete(f.funcs, id)
	f.removes++
	f.calls = append(f.calls, "remove")
}

func (f *fakeCron) Start() {}

func (f *fakeCron) Stop() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (f *fakeCron) specs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// fire runs every registered function with the given spec.
func (f *fakeCron) fire(spec string) {
	f.mu.Lock()
	var fns []func()
	for id, s := range f.entries {
		if s == spec {
			fns = append(fns, f.funcs[id])
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeStore struct {
	mu          sync.Mutex
	schedule    *tenant.Schedule
	scheduleErr error
	postNow     *time.Time
	clears      int
	heartbeats  int
}

func (f *fakeStore) GetSchedule(context.Context, uuid.UUID) (*tenant.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	if f.schedule == nil {
		return nil, nil
	}
	c := *f.schedule
	c.Times = append([]string(nil), f.schedule.Times...)
	return &c, nil
}

func (f *fakeStore) set(s tenant.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedule = &s
}

func (f *fakeStore) PostNowRequestedAt(context.Context, uuid.UUID) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.postNow, nil
}

func (f *fakeStore) ClearPostNow(_ context.Context, _ uuid.UUID, observed time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postNow == nil || !f.postNow.Equal(observed) {
		return false, nil
	}
	f.postNow = nil
	f.clears++
	return true, nil
}

func (f *fakeStore) Heartbeat(context.Context, uuid.UUID, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

type fakeJobs struct {
	distributions atomic.Int32
	posts         atomic.Int32
	postErr       error
	// started and release let a test hold a post in flight.
	started chan struct{}
	release chan struct{}
}

func (f *fakeJobs) Distribute(context.Context, uuid.UUID) error {
	f.distributions.Add(1)
	return nil
}

func (f *fakeJobs) Post(context.Context, uuid.UUID) error {
	f.posts.Add(1)
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.postErr
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func newTestScheduler(store *fakeStore, jobs *fakeJobs, c *fakeCron, opts ...Option) *Scheduler {
	opts = append([]Option{WithCron(c)}, opts...)
	return New(uuid.New(), store, jobs, time.UTC, testLogger(), opts...)
}

func TestSpecs(t *testing.T) {
	tests := []struct {
		at       string
		wantPost string
		wantDist string
		wantErr  bool
	}{
		{"09:00", "0 9 * * *", "55 8 * * *", false},
		{"21:30", "30 21 * * *", "25 21 * * *", false},
		{"00:00", "0 0 * * *", "55 23 * * *", false},
		{"00:03", "3 0 * * *", "58 23 * * *", false},
		{"13:05", "5 13 * * *", "0 13 * * *", false},
		{"23:59", "59 23 * * *", "54 23 * * *", false},
		{"24:00", "", "", true},
		{"9", "", "", true},
		{"ab:cd", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			post, dist, err := specs(tt.at)
			if (err != nil) != tt.wantErr {
				t.Fatalf("specs(%q) error = %v, wantErr %v", tt.at, err, tt.wantErr)
			}
			if post != tt.wantPost || dist != tt.wantDist {
				t.Errorf("specs(%q) = %q, %q; want %q, %q", tt.at, post, dist, tt.wantPost, tt.wantDist)
			}
		})
	}
}

func TestLoad_FallsBackToDefault(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
	}{
		{"read error", &fakeStore{scheduleErr: errors.New("connection refused")}},
		{"no schedule", &fakeStore{}},
		{"empty times", &fakeStore{schedule: &tenant.Schedule{Enabled: false}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(tt.store, &fakeJobs{}, newFakeCron())
			got := s.Load(context.Background())
			want := DefaultSchedule()
			if got.Enabled != want.Enabled || len(got.Times) != 4 || got.Times[0] != "09:00" || got.Times[3] != "21:00" {
				t.Errorf("Load() = %+v, want default %+v", got, want)
			}
		})
	}
}

func TestReload_MaterializesTwoJobsPerTime(t *testing.T) {
	store := &fakeStore{schedule: &tenant.Schedule{Enabled: true, Times: []string{"00:00", "12:30", "18:00"}}}
	c := newFakeCron()
	s := newTestScheduler(store, &fakeJobs{}, c)

	rebuilt, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !rebuilt {
		t.Error("initial Reload should build jobs")
	}

	want := []string{"0 0 * * *", "0 18 * * *", "25 12 * * *", "30 12 * * *", "55 17 * * *", "55 23 * * *"}
	got := c.specs()
	if len(got) != len(want) {
		t.Fatalf("specs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("specs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReload_NoDriftNoRebuild(t *testing.T) {
	store := &fakeStore{schedule: &tenant.Schedule{Enabled: true, Times: []string{"09:00", "21:00"}}}
	c := newFakeCron()
	rebuilds := prometheus.NewCounter(prometheus.CounterOpts{Name: "rebuilds"})
	s := newTestScheduler(store, &fakeJobs{}, c, WithMetrics(rebuilds, nil))

	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	adds, removes := c.adds, c.removes

	for i := 0; i < 3; i++ {
		rebuilt, err := s.Reload(context.Background())
		if err != nil {
			t.Fatalf("Reload: %v", err)
		}
		if rebuilt {
			t.Error("unchanged schedule must not rebuild")
		}
	}
	if c.adds != adds || c.removes != removes {
		t.Errorf("cron calls changed: adds %d->%d, removes %d->%d", adds, c.adds, removes, c.removes)
	}
	if got := counterValue(t, rebuilds); got != 0 {
		t.Errorf("rebuilds = %v, want 0", got)
	}
}

func TestReload_DriftReplacesAllJobs(t *testing.T) {
	store := &fakeStore{schedule: &tenant.Schedule{Enabled: true, Times: []string{"09:00", "21:00"}}}
	c := newFakeCron()
	rebuilds := prometheus.NewCounter(prometheus.CounterOpts{Name: "rebuilds"})
	s := newTestScheduler(store, &fakeJobs{}, c, WithMetrics(rebuilds, nil))

	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	c.calls = nil

	store.set(tenant.Schedule{Enabled: true, Times: []string{"08:00", "12:00", "20:00"}})
	rebuilt, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !rebuilt {
		t.Fatal("changed schedule must rebuild")
	}

	// Every old job is removed before any new one is added.
	wantCalls := []string{"remove", "remove", "remove", "remove", "add", "add", "add", "add", "add", "add"}
	if len(c.calls) != len(wantCalls) {
		t.Fatalf("cron calls = %v, want %v", c.calls, wantCalls)
	}
	for i := range wantCalls {
		if c.calls[i] != wantCalls[i] {
			t.Fatalf("cron calls = %v, want %v", c.calls, wantCalls)
		}
	}
	if n := len(c.specs()); n != 6 {
		t.Errorf("registered jobs = %d, want 6", n)
	}
	if got := counterValue(t, rebuilds); got != 1 {
		t.Errorf("rebuilds = %v, want 1", got)
	}
}

func TestReload_SkipsInvalidTimes(t *testing.T) {
	defaultJobs := 2 * len(DefaultSchedule().Times)
	tests := []struct {
		name      string
		times     []string
		wantTimes []string
		wantJobs  int
	}{
		{"one invalid", []string{"09:00", "25:00"}, []string{"09:00"}, 2},
		{"all invalid", []string{"25:00", "nine", "12:60"}, DefaultSchedule().Times, defaultJobs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{schedule: &tenant.Schedule{Enabled: true, Times: tt.times}}
			c := newFakeCron()
			s := newTestScheduler(store, &fakeJobs{}, c)

			if _, err := s.Reload(context.Background()); err != nil {
				t.Fatalf("Reload: %v", err)
			}
			if n := len(c.specs()); n != tt.wantJobs {
				t.Errorf("registered jobs = %d, want %d", n, tt.wantJobs)
			}
			applied, _ := s.Applied()
			if !reflect.DeepEqual(applied.Times, tt.wantTimes) {
				t.Errorf("applied times = %v, want %v", applied.Times, tt.wantTimes)
			}
		})
	}
}

func TestPostingJob_ChecksEnabledAtFireTime(t *testing.T) {
	store := &fakeStore{schedule: &tenant.Schedule{Enabled: true, Times: []string{"09:00"}}}
	c := newFakeCron()
	jobs := &fakeJobs{}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs"}, []string{"job", "outcome"})
	s := newTestScheduler(store, jobs, c, WithMetrics(nil, runs))

	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	c.fire("0 9 * * *")
	if n := jobs.posts.Load(); n != 1 {
		t.Fatalf("posts = %d, want 1", n)
	}

	// Disabling rebuilds the job set; the new posting job sees the flag.
	store.set(tenant.Schedule{Enabled: false, Times: []string{"09:00"}})
	if _, err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	c.fire("0 9 * * *")
	c.fire("55 8 * * *")

	if n := jobs.posts.Load(); n != 1 {
		t.Errorf("posts = %d, want 1 (disabled)", n)
	}
	if n := jobs.distributions.Load(); n != 1 {
		t.Errorf("distributions = %d, want 1", n)
	}
	if got := counterValue(t, runs.WithLabelValues(JobPosting, "skipped")); got != 1 {
		t.Errorf("skipped posting runs = %v, want 1", got)
	}
}

func TestCheckManualTrigger_NoRequest(t *testing.T) {
	jobs := &fakeJobs{}
	s := newTestScheduler(&fakeStore{}, jobs, newFakeCron())

	ran, err := s.CheckManualTrigger(context.Background())
	if err != nil || ran {
		t.Errorf("CheckManualTrigger() = %v, %v; want false, nil", ran, err)
	}
	if jobs.posts.Load() != 0 {
		t.Error("posting job must not run")
	}
}

func TestCheckManualTrigger_ExactlyOnce(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{postNow: &at}
	jobs := &fakeJobs{
		postErr: errors.New("content agent unavailable"),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestScheduler(store, jobs, newFakeCron())

	type result struct {
		ran bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ran, err := s.CheckManualTrigger(context.Background())
		first <- result{ran, err}
	}()

	<-jobs.started
	ran, err := s.CheckManualTrigger(context.Background())
	if ran || err != nil {
		t.Errorf("concurrent CheckManualTrigger() = %v, %v; want false, nil", ran, err)
	}
	close(jobs.release)

	res := <-first
	if !res.ran {
		t.Error("first call should have run the job")
	}
	if res.err == nil {
		t.Error("job error should be returned")
	}
	if n := jobs.posts.Load(); n != 1 {
		t.Errorf("posts = %d, want 1", n)
	}
	if store.clears != 1 || store.postNow != nil {
		t.Errorf("clears = %d, flag = %v; want cleared once", store.clears, store.postNow)
	}

	// The guard is released even though the job failed.
	ran, err = s.CheckManualTrigger(context.Background())
	if ran || err != nil {
		t.Errorf("after clear CheckManualTrigger() = %v, %v; want false, nil", ran, err)
	}
}

// newerRequestStore replaces the request timestamp while the job runs.
type newerRequestStore struct {
	*fakeStore
	newer time.Time
}

func (n *newerRequestStore) ClearPostNow(ctx context.Context, id uuid.UUID, observed time.Time) (bool, error) {
	n.mu.Lock()
	n.postNow = &n.newer
	n.mu.Unlock()
	return n.fakeStore.ClearPostNow(ctx, id, observed)
}

func TestCheckManualTrigger_KeepsNewerRequest(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &newerRequestStore{fakeStore: &fakeStore{postNow: &at}, newer: at.Add(time.Minute)}
	jobs := &fakeJobs{}
	s := New(uuid.New(), store, jobs, time.UTC, testLogger(), WithCron(newFakeCron()))

	ran, err := s.CheckManualTrigger(context.Background())
	if !ran || err != nil {
		t.Fatalf("CheckManualTrigger() = %v, %v", ran, err)
	}
	if store.postNow == nil || !store.postNow.Equal(store.newer) {
		t.Errorf("flag = %v, want newer request kept", store.postNow)
	}
}

func TestRun_AppliesScheduleAndStops(t *testing.T) {
	store := &fakeStore{}
	c := newFakeCron()
	signal := make(chan struct{}, 1)
	s := newTestScheduler(store, &fakeJobs{}, c, WithIntervals(time.Hour, time.Hour), WithReloadSignal(signal))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if applied, ok := s.Applied(); ok && len(applied.Times) == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("schedule not applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	store.set(tenant.Schedule{Enabled: true, Times: []string{"07:15"}})
	signal <- struct{}{}
	for {
		if applied, _ := s.Applied(); len(applied.Times) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("signalled reload not applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.heartbeats < 1 {
		t.Error("expected a heartbeat on start")
	}
}
