package onboarding

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/groupowl/internal/audit"
	"github.com/wisbric/groupowl/pkg/automation"
	"github.com/wisbric/groupowl/pkg/bot"
	"github.com/wisbric/groupowl/pkg/deploy"
	"github.com/wisbric/groupowl/pkg/notify"
	"github.com/wisbric/groupowl/pkg/payment"
	"github.com/wisbric/groupowl/pkg/session"
	"github.com/wisbric/groupowl/pkg/telegram"
	"github.com/wisbric/groupowl/pkg/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memTenants struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*tenant.Tenant
	admins  map[uuid.UUID]*tenant.Admin
	health  map[uuid.UUID]bool
	// beforeCreate runs before each insert, e.g. to simulate a concurrent
	// create reserving the same worker.
	beforeCreate func(p tenant.CreateParams)
}

// reserved reports whether a tenant references workerID. Callers hold mu.
func (m *memTenants) reserved(workerID uuid.UUID) bool {
	for _, t := range m.tenants {
		if t.WorkerID != nil && *t.WorkerID == workerID {
			return true
		}
	}
	return false
}

func (m *memTenants) isReserved(workerID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved(workerID)
}

func newMemTenants() *memTenants {
	return &memTenants{
		tenants: map[uuid.UUID]*tenant.Tenant{},
		admins:  map[uuid.UUID]*tenant.Admin{},
		health:  map[uuid.UUID]bool{},
	}
}

func (m *memTenants) put(t *tenant.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.tenants[t.ID] = &c
}

func (m *memTenants) Create(_ context.Context, p tenant.CreateParams) (*tenant.Tenant, error) {
	if m.beforeCreate != nil {
		m.beforeCreate(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.WorkerID != nil && m.reserved(*p.WorkerID) {
		return nil, tenant.ErrWorkerTaken
	}
	t := &tenant.Tenant{
		ID:           uuid.New(),
		Name:         p.Name,
		ContactEmail: p.ContactEmail,
		PriceCents:   p.PriceCents,
		Status:       tenant.StatusCreating,
		WorkerID:     p.WorkerID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.tenants[t.ID] = t
	c := *t
	return &c, nil
}

func (m *memTenants) Get(_ context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *memTenants) update(id uuid.UUID, fn func(t *tenant.Tenant)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return tenant.ErrNotFound
	}
	fn(t)
	return nil
}

func (m *memTenants) UpdateStatus(_ context.Context, id uuid.UUID, s tenant.Status) error {
	return m.update(id, func(t *tenant.Tenant) { t.Status = s })
}

func (m *memTenants) SetWorker(_ context.Context, id, workerID uuid.UUID) error {
	if m.isReserved(workerID) {
		return tenant.ErrWorkerTaken
	}
	return m.update(id, func(t *tenant.Tenant) { t.WorkerID = &workerID })
}

func (m *memTenants) SetWorkerUsername(_ context.Context, id uuid.UUID, username string) error {
	return m.update(id, func(t *tenant.Tenant) { t.WorkerUsername = username })
}

func (m *memTenants) SetPaymentPlan(_ context.Context, id uuid.UUID, planID, checkoutURL string) error {
	return m.update(id, func(t *tenant.Tenant) { t.PaymentPlanID, t.CheckoutURL = planID, checkoutURL })
}

func (m *memTenants) SetDeployment(_ context.Context, id uuid.UUID, serviceID string) error {
	return m.update(id, func(t *tenant.Tenant) { t.DeploymentServiceID = serviceID })
}

func (m *memTenants) SetChannel(_ context.Context, id uuid.UUID, channelID, inviteLink string) error {
	return m.update(id, func(t *tenant.Tenant) { t.ChannelID, t.InviteLink = channelID, inviteLink })
}

func (m *memTenants) GetAdmin(_ context.Context, tenantID uuid.UUID) (*tenant.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[tenantID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return a, nil
}

func (m *memTenants) CreateAdmin(_ context.Context, tenantID uuid.UUID, email, hash string) (*tenant.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &tenant.Admin{ID: uuid.New(), TenantID: tenantID, Email: email, PasswordHash: hash, CreatedAt: time.Now()}
	m.admins[tenantID] = a
	return a, nil
}

func (m *memTenants) EnsureHealthRow(_ context.Context, tenantID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health[tenantID] {
		return false, nil
	}
	m.health[tenantID] = true
	return true, nil
}

type memWorkers struct {
	mu      sync.Mutex
	workers []*bot.Worker
	// reserved excludes workers a tenant already references.
	reserved func(id uuid.UUID) bool
}

func (m *memWorkers) add(w *bot.Worker) *bot.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = bot.StatusAvailable
	}
	m.workers = append(m.workers, w)
	return w
}

func (m *memWorkers) find(id uuid.UUID) *bot.Worker {
	for _, w := range m.workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (m *memWorkers) Get(_ context.Context, id uuid.UUID) (*bot.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.find(id)
	if w == nil {
		return nil, bot.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (m *memWorkers) FindAvailable(_ context.Context) (*bot.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.Status == bot.StatusAvailable && (m.reserved == nil || !m.reserved(w.ID)) {
			c := *w
			return &c, nil
		}
	}
	return nil, bot.ErrNoneAvailable
}

func (m *memWorkers) SetUsername(_ context.Context, id uuid.UUID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.find(id)
	if w == nil {
		return bot.ErrNotFound
	}
	w.Username = username
	return nil
}

func (m *memWorkers) MarkInUse(_ context.Context, id, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.find(id)
	if w == nil {
		return bot.ErrNotFound
	}
	if w.Status != bot.StatusAvailable && (w.TenantID == nil || *w.TenantID != tenantID) {
		return bot.ErrTaken
	}
	w.Status = bot.StatusInUse
	w.TenantID = &tenantID
	return nil
}

type fakeBot struct {
	calls    int
	username string
	err      error
}

func (f *fakeBot) GetMe(context.Context, string) (*telegram.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &telegram.User{ID: 1, IsBot: true, Username: f.username}, nil
}

type fakePayments struct {
	calls int
	errs  []error
}

func (f *fakePayments) CreatePlan(_ context.Context, req payment.PlanRequest) (*payment.Plan, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &payment.Plan{ID: "P-" + req.TenantID.String()[:8], CheckoutURL: "https://pay.example/checkout"}, nil
}

type fakeDeployer struct {
	creates int
	updates []map[string]string
	errs    []error
}

func (f *fakeDeployer) CreateService(context.Context, deploy.ServiceRequest) (*deploy.Service, error) {
	f.creates++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &deploy.Service{ID: "srv-1"}, nil
}

func (f *fakeDeployer) UpdateEnv(_ context.Context, _ string, env map[string]string) error {
	f.updates = append(f.updates, env)
	return nil
}

// fakeAutomation is an automation.Client backed by in-memory channels.
type fakeAutomation struct {
	created  int
	grants   int
	exports  int
	roles    map[string]automation.Role
	failWith error
}

func (f *fakeAutomation) Connect(context.Context) error    { return nil }
func (f *fakeAutomation) Disconnect(context.Context) error { return nil }

func (f *fakeAutomation) CreateChannel(_ context.Context, title, _ string) (automation.Channel, error) {
	if f.failWith != nil {
		return automation.Channel{}, f.failWith
	}
	f.created++
	return automation.Channel{ID: "-100123", Title: title}, nil
}

func (f *fakeAutomation) GrantAdmin(_ context.Context, _, username string) error {
	f.grants++
	if f.roles == nil {
		f.roles = map[string]automation.Role{}
	}
	f.roles[username] = automation.RoleAdmin
	return nil
}

func (f *fakeAutomation) ExportInviteLink(context.Context, string) (string, error) {
	f.exports++
	return "https://t.me/+invite", nil
}

func (f *fakeAutomation) ParticipantRole(_ context.Context, _, username string) (automation.Role, error) {
	if r, ok := f.roles[username]; ok {
		return r, nil
	}
	return automation.RoleNone, nil
}

// fakeSessions hands out the fake client, or fails acquisition with err.
type fakeSessions struct {
	client *fakeAutomation
	err    error
	runs   int
}

func (f *fakeSessions) Run(ctx context.Context, work session.Work) error {
	f.runs++
	if f.err != nil {
		return f.err
	}
	return work(ctx, f.client)
}

type recordingNotifier struct{ alerts []notify.Alert }

func (r *recordingNotifier) Notify(_ context.Context, a notify.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingAuditor struct{ entries []audit.Entry }

func (r *recordingAuditor) Log(e audit.Entry) { r.entries = append(r.entries, e) }

type memCooldown struct{ wait time.Duration }

func (m *memCooldown) Remaining(context.Context) (time.Duration, error) { return m.wait, nil }
func (m *memCooldown) Set(_ context.Context, d time.Duration) error {
	if d > m.wait {
		m.wait = d
	}
	return nil
}

// harness wires an Orchestrator to in-memory collaborators.
type harness struct {
	tenants  *memTenants
	workers  *memWorkers
	bot      *fakeBot
	payments *fakePayments
	deployer *fakeDeployer
	client   *fakeAutomation
	sessions *fakeSessions
	notifier *recordingNotifier
	auditor  *recordingAuditor
	cooldown *memCooldown
	orch     *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		tenants:  newMemTenants(),
		workers:  &memWorkers{},
		bot:      &fakeBot{username: "tips_worker_bot"},
		payments: &fakePayments{},
		deployer: &fakeDeployer{},
		client:   &fakeAutomation{},
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
		cooldown: &memCooldown{},
	}
	h.workers.reserved = h.tenants.isReserved
	h.sessions = &fakeSessions{client: h.client}
	h.orch = NewOrchestrator(Deps{
		Tenants:  h.tenants,
		Workers:  h.workers,
		Bot:      h.bot,
		Payments: h.payments,
		Deployer: h.deployer,
		Sessions: h.sessions,
		Notifier: h.notifier,
		Auditor:  h.auditor,
		Cooldown: h.cooldown,
	}, testLogger())
	return h
}

// seed stores a tenant owned by a fresh worker.
func (h *harness) seed(mut func(t *tenant.Tenant)) *tenant.Tenant {
	w := h.workers.add(&bot.Worker{Token: "123:abc", Username: "tips_worker_bot"})
	t := &tenant.Tenant{
		ID:           uuid.New(),
		Name:         "Weekend Tips",
		ContactEmail: "owner@example.com",
		PriceCents:   1500,
		Status:       tenant.StatusCreating,
		WorkerID:     &w.ID,
	}
	if mut != nil {
		mut(t)
	}
	h.tenants.put(t)
	return t
}

// seedCompleted stores a tenant whose results are stored for every step up
// to and including last, with the status last leaves behind.
func (h *harness) seedCompleted(last Step, mut func(t *tenant.Tenant)) *tenant.Tenant {
	var done []Step
	for _, s := range Steps {
		done = append(done, s)
		if s == last {
			break
		}
	}
	t := h.seed(func(t *tenant.Tenant) {
		for _, s := range done {
			switch s {
			case StepValidatingWorker:
				t.WorkerUsername = "tips_worker_bot"
			case StepConfiguringPayments:
				t.PaymentPlanID, t.CheckoutURL = "P-seeded", "https://pay.example/seeded"
			case StepDeployingWorker:
				t.DeploymentServiceID = "srv-seeded"
			case StepCreatingChannel:
				t.ChannelID, t.InviteLink = "-100777", "https://t.me/+seeded"
			}
		}
		t.Status = last.Status()
		if mut != nil {
			mut(t)
		}
	})
	for _, s := range done {
		if s == StepCreatingAdmin {
			_, _ = h.tenants.CreateAdmin(context.Background(), t.ID, t.ContactEmail, "seeded-hash")
		}
	}
	return t
}

func (h *harness) status(id uuid.UUID) tenant.Status {
	t, _ := h.tenants.Get(context.Background(), id)
	return t.Status
}
