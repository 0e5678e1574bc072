package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all groupowl configuration, read from the environment.
type Config struct {
	Mode string `env:"APP_MODE" envDefault:"api"`

	// Server
	Host string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"APP_PORT" envDefault:"8080"`

	// Database
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/groupowl?sslmode=disable"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	OTLPEndpoint string `env:"OTEL_ENDPOINT"`
	MetricsPath  string `env:"METRICS_PATH" envDefault:"/metrics"`

	// Migrations
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations/global"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Operator API keys. Empty leaves /api/v1 open (development only).
	OperatorAPIKeys []string `env:"OPERATOR_API_KEYS" envSeparator:","`

	// Worker mode: the tenant whose schedule this process drives.
	TenantID string `env:"TENANT_ID"`

	// Scheduler
	SchedulerTimezone       string        `env:"SCHEDULER_TIMEZONE" envDefault:"UTC"`
	SchedulerReloadInterval time.Duration `env:"SCHEDULER_RELOAD_INTERVAL" envDefault:"60s"`
	SchedulerPollInterval   time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"10s"`

	// Automation sessions
	SessionLockStaleAfter time.Duration `env:"SESSION_LOCK_STALE_AFTER" envDefault:"10m"`
	SessionEncryptionKey  string        `env:"SESSION_ENCRYPTION_KEY"`
	AutomationBridgeURL   string        `env:"AUTOMATION_BRIDGE_URL"`

	// Messaging platform bot API
	TelegramAPIURL   string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	OperatorBotToken string `env:"OPERATOR_BOT_TOKEN"`
	OperatorChatID   string `env:"OPERATOR_CHAT_ID"`

	// Payment processor
	PaymentAPIURL       string `env:"PAYMENT_API_URL"`
	PaymentClientID     string `env:"PAYMENT_CLIENT_ID"`
	PaymentClientSecret string `env:"PAYMENT_CLIENT_SECRET"`
	PaymentReturnURL    string `env:"PAYMENT_RETURN_URL"`

	// Deployment provider
	DeployAPIURL   string `env:"DEPLOY_API_URL" envDefault:"https://api.render.com"`
	DeployAPIKey   string `env:"DEPLOY_API_KEY"`
	DeployOwnerID  string `env:"DEPLOY_OWNER_ID"`
	DeployImageURL string `env:"DEPLOY_IMAGE_URL"`

	// Content agent
	ContentAPIURL string `env:"CONTENT_API_URL"`
	ContentAPIKey string `env:"CONTENT_API_KEY"`

	// Seed mode
	SeedWorkerTokens      []string `env:"SEED_WORKER_TOKENS" envSeparator:","`
	SeedSessionLabel      string   `env:"SEED_SESSION_LABEL" envDefault:"primary"`
	SeedSessionCredential string   `env:"SEED_SESSION_CREDENTIAL"`

	// Slack (operator alerts)
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Location returns the scheduler time zone, falling back to UTC when the
// configured name is unknown.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
