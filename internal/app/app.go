package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/groupowl/internal/audit"
	"github.com/wisbric/groupowl/internal/auth"
	"github.com/wisbric/groupowl/internal/config"
	"github.com/wisbric/groupowl/internal/extapi"
	"github.com/wisbric/groupowl/internal/httpserver"
	"github.com/wisbric/groupowl/internal/platform"
	"github.com/wisbric/groupowl/internal/secret"
	"github.com/wisbric/groupowl/internal/seed"
	"github.com/wisbric/groupowl/internal/telemetry"
	"github.com/wisbric/groupowl/internal/version"
	"github.com/wisbric/groupowl/pkg/automation"
	"github.com/wisbric/groupowl/pkg/bot"
	"github.com/wisbric/groupowl/pkg/deploy"
	"github.com/wisbric/groupowl/pkg/notify"
	"github.com/wisbric/groupowl/pkg/onboarding"
	"github.com/wisbric/groupowl/pkg/payment"
	"github.com/wisbric/groupowl/pkg/publish"
	"github.com/wisbric/groupowl/pkg/scheduler"
	"github.com/wisbric/groupowl/pkg/session"
	"github.com/wisbric/groupowl/pkg/telegram"
	"github.com/wisbric/groupowl/pkg/tenant"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker or seed).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting groupowl",
		"mode", cfg.Mode,
		"version", version.Version,
		"listen", cfg.ListenAddr(),
	)

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "groupowl", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	case "seed":
		return runSeed(ctx, cfg, logger, db)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Operator API keys (optional; the API is open without them).
	var apiAuth func(http.Handler) http.Handler
	if keys := auth.NewKeySet(cfg.OperatorAPIKeys); !keys.Empty() {
		limiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)
		apiAuth = auth.Middleware(keys, limiter, logger)
		logger.Info("operator API key authentication enabled")
	} else {
		logger.Warn("operator API key authentication disabled (OPERATOR_API_KEYS not set)")
	}

	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	tenants := tenant.NewStore(db)
	botAPI := telegram.New(cfg.TelegramAPIURL, nil)

	deps := onboarding.Deps{
		Tenants:  tenants,
		Workers:  bot.NewStore(db),
		Bot:      botAPI,
		Notifier: newNotifier(cfg, logger, botAPI),
		Auditor:  auditWriter,
		Cooldown: onboarding.NewRedisCooldown(rdb, ""),
		Steps:    telemetry.OnboardingStepsTotal,
	}
	if cfg.PaymentAPIURL != "" {
		deps.Payments = payment.New(payment.Config{
			BaseURL:      cfg.PaymentAPIURL,
			ClientID:     cfg.PaymentClientID,
			ClientSecret: cfg.PaymentClientSecret,
			ReturnURL:    cfg.PaymentReturnURL,
		}, nil)
	} else {
		logger.Warn("payment processor not configured (PAYMENT_API_URL not set)")
	}
	if cfg.DeployAPIKey != "" {
		deps.Deployer = deploy.New(deploy.Config{
			BaseURL:  cfg.DeployAPIURL,
			APIKey:   cfg.DeployAPIKey,
			OwnerID:  cfg.DeployOwnerID,
			ImageURL: cfg.DeployImageURL,
		}, nil)
	} else {
		logger.Warn("deployment provider not configured (DEPLOY_API_KEY not set)")
	}
	coordinator, err := newCoordinator(cfg, logger, db)
	if err != nil {
		return err
	}
	if coordinator != nil {
		deps.Sessions = coordinator
	}

	orch := onboarding.NewOrchestrator(deps, logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, apiAuth)

	// Mount domain handlers.
	onboardingHandler := onboarding.NewHandler(orch, logger)
	srv.APIRouter.Mount("/onboarding", onboardingHandler.Routes())

	scheduleHandler := scheduler.NewHandler(tenants, func(ctx context.Context, id uuid.UUID) error {
		return scheduler.PublishChange(ctx, rdb, id)
	}, logger)
	srv.APIRouter.Mount("/schedules", scheduleHandler.Routes())

	auditHandler := audit.NewHandler(db, logger)
	srv.APIRouter.Mount("/audit", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // onboarding steps call several external services
		IdleTimeout:  60 * time.Second,
	}

	return serve(ctx, httpSrv, logger, "api server")
}

// newCoordinator builds the automation session coordinator, or returns nil
// when no automation bridge is configured.
func newCoordinator(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) (*session.Coordinator, error) {
	if cfg.AutomationBridgeURL == "" {
		logger.Warn("automation not configured (AUTOMATION_BRIDGE_URL not set), channel creation disabled")
		return nil, nil
	}

	opts := []session.Option{
		session.WithStaleAfter(cfg.SessionLockStaleAfter),
		session.WithMetrics(telemetry.SessionAcquisitionsTotal, telemetry.SessionStaleLocksReclaimedTotal),
	}
	if cfg.SessionEncryptionKey != "" {
		cipher, err := secret.NewCipher(cfg.SessionEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("loading session encryption key: %w", err)
		}
		opts = append(opts, session.WithOpener(cipher))
	} else {
		logger.Warn("session credentials stored unencrypted (SESSION_ENCRYPTION_KEY not set)")
	}

	factory := automation.NewBridgeFactory(cfg.AutomationBridgeURL, extapi.NewHTTPClient())
	return session.NewCoordinator(session.NewPostgresStore(db), factory, logger, opts...), nil
}

// newNotifier registers the operator alert providers.
func newNotifier(cfg *config.Config, logger *slog.Logger, botAPI *telegram.Client) *notify.Registry {
	reg := notify.NewRegistry(logger)
	reg.Register(notify.NewSlack(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
	reg.Register(notify.NewTelegram(botAPI, cfg.OperatorBotToken, cfg.OperatorChatID))
	for _, p := range reg.Enabled() {
		logger.Info("operator alerts enabled", "provider", p.Name())
	}
	return reg
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	tenantID, err := uuid.Parse(cfg.TenantID)
	if err != nil {
		return fmt.Errorf("worker mode needs a valid TENANT_ID: %w", err)
	}

	tenants := tenant.NewStore(db)
	publisher := publish.New(
		publish.NewContentClient(cfg.ContentAPIURL, cfg.ContentAPIKey, nil),
		publish.NewRedisStaging(rdb),
		telegram.New(cfg.TelegramAPIURL, nil),
		tenants,
		bot.NewStore(db),
		logger,
	)

	sched := scheduler.New(tenantID, tenants, publisher, cfg.Location(), logger,
		scheduler.WithIntervals(cfg.SchedulerReloadInterval, cfg.SchedulerPollInterval),
		scheduler.WithReloadSignal(scheduler.ReloadSignal(ctx, rdb, tenantID, logger)),
		scheduler.WithMetrics(telemetry.SchedulerRebuildsTotal, telemetry.ScheduledJobsTotal),
	)

	ops := httpserver.NewOpsHandler(logger, cfg.MetricsPath, metricsReg, func(ctx context.Context) error {
		if _, ok := sched.Applied(); !ok {
			return errors.New("no schedule applied yet")
		}
		return db.Ping(ctx)
	})
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      ops,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started", "tenant_id", tenantID)
		if err := sched.Run(gctx); err != nil {
			return fmt.Errorf("running scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return serve(gctx, httpSrv, logger, "worker ops server")
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down " + name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSeed(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	p := seed.Params{
		Workers:           bot.NewStore(db),
		Sessions:          session.NewPostgresStore(db),
		WorkerTokens:      cfg.SeedWorkerTokens,
		SessionLabel:      cfg.SeedSessionLabel,
		SessionCredential: cfg.SeedSessionCredential,
	}
	if cfg.SessionEncryptionKey != "" {
		cipher, err := secret.NewCipher(cfg.SessionEncryptionKey)
		if err != nil {
			return fmt.Errorf("loading session encryption key: %w", err)
		}
		p.Sealer = cipher
	}
	if err := seed.Run(ctx, p, logger); err != nil {
		return fmt.Errorf("seeding: %w", err)
	}
	return nil
}
