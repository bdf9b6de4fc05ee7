package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/freemium/pkg/billing"
	"github.com/platinummonkey/freemium/pkg/gateway"
	"github.com/platinummonkey/freemium/pkg/lock"
	"github.com/platinummonkey/freemium/pkg/notify"
	"github.com/platinummonkey/freemium/pkg/observability"
	"github.com/platinummonkey/freemium/pkg/reports"
	"github.com/platinummonkey/freemium/pkg/storage"
)

// Gateway and mail backends
const (
	GatewayTest = "test"
	GatewayHTTP = "http"

	MailLog     = "log"
	MailSMTP    = "smtp"
	MailWebhook = "webhook"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Billing       billing.Settings
	Storage       storage.Config
	Redis         RedisConfig
	Gateway       GatewayConfig
	Mail          MailConfig
	Reports       ReportsConfig
	Scheduler     SchedulerConfig
	Features      FeaturesConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the ops server settings
type ServerConfig struct {
	Host            string
	HealthPort      string
	ShutdownTimeout time.Duration
}

// Addr is the ops listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.HealthPort
}

// RedisConfig holds the billing-run lease settings. An empty URL runs
// without a lease.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	LockPrefix string
	LockTTL    time.Duration
}

// Enabled reports whether a Redis URL is configured
func (r RedisConfig) Enabled() bool { return r.URL != "" }

// Lock converts to the lock client settings
func (r RedisConfig) Lock() lock.Config {
	return lock.Config{
		URL:        r.URL,
		Password:   r.Password,
		DB:         r.DB,
		PoolSize:   r.PoolSize,
		MaxRetries: r.MaxRetries,
	}
}

// GatewayConfig selects the payment gateway
type GatewayConfig struct {
	Type    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTP converts to the HTTP gateway settings
func (g GatewayConfig) HTTP() gateway.HTTPConfig {
	return gateway.HTTPConfig{BaseURL: g.BaseURL, APIKey: g.APIKey, Timeout: g.Timeout}
}

// MailConfig selects how notifications leave the process
type MailConfig struct {
	Type            string
	From            string
	AdminRecipients []string
	SMTP            notify.SMTPConfig
	WebhookURL      string
	WebhookTimeout  time.Duration
	Retry           notify.RetryConfig
}

// ReportsConfig says where run reports are archived. Both targets are
// optional; with neither set reports are only logged.
type ReportsConfig struct {
	Dir string
	S3  reports.S3Config
}

// S3Enabled reports whether an S3 bucket is configured
func (r ReportsConfig) S3Enabled() bool { return r.S3.Bucket != "" }

// SchedulerConfig holds the cron schedules
type SchedulerConfig struct {
	BillingSpec   string
	ReconcileSpec string
	RunOnStart    bool
}

// FeaturesConfig points at the feature-set file
type FeaturesConfig struct {
	Path      string
	Watch     bool
	SeedPlans bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// OTel converts to the OpenTelemetry settings
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Billing:       loadBillingSettings(),
		Storage:       loadStorageConfig(),
		Redis:         loadRedisConfig(),
		Gateway:       loadGatewayConfig(),
		Mail:          loadMailConfig(),
		Reports:       loadReportsConfig(),
		Scheduler:     loadSchedulerConfig(),
		Features:      loadFeaturesConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("FREEMIUM_HOST", "0.0.0.0"),
		HealthPort:      getEnv("FREEMIUM_HEALTH_PORT", "9090"),
		ShutdownTimeout: getEnvDuration("FREEMIUM_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadBillingSettings() billing.Settings {
	s := billing.DefaultSettings()
	s.GraceDays = getEnvInt("FREEMIUM_GRACE_DAYS", s.GraceDays)
	s.FreeTrialDays = getEnvInt("FREEMIUM_FREE_TRIAL_DAYS", s.FreeTrialDays)
	s.ExpiredPlanKey = getEnv("FREEMIUM_EXPIRED_PLAN_KEY", s.ExpiredPlanKey)
	s.AdminReportRecipients = getEnvList("FREEMIUM_ADMIN_REPORT_RECIPIENTS", s.AdminReportRecipients)
	s.TrialWarningDays = getEnvInt("FREEMIUM_TRIAL_WARNING_DAYS", s.TrialWarningDays)
	s.BillingConcurrency = getEnvInt("FREEMIUM_BILLING_CONCURRENCY", s.BillingConcurrency)
	s.GatewayTimeout = getEnvDuration("FREEMIUM_GATEWAY_TIMEOUT", s.GatewayTimeout)
	return s
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Type = getEnv("FREEMIUM_STORAGE_TYPE", cfg.Type)

	cfg.PostgresURL = getEnv("FREEMIUM_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnvList("FREEMIUM_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("FREEMIUM_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("FREEMIUM_POSTGRES_MIN_CONNS", -1); minConns >= 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("FREEMIUM_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if size := getEnvInt("FREEMIUM_PLAN_CACHE_SIZE", -1); size >= 0 {
		cfg.PlanCacheSize = size
	}
	if ttl := getEnvDuration("FREEMIUM_PLAN_CACHE_TTL", 0); ttl > 0 {
		cfg.PlanCacheTTL = ttl
	}

	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("FREEMIUM_REDIS_URL", ""),
		Password:   getEnv("FREEMIUM_REDIS_PASSWORD", ""),
		DB:         getEnvInt("FREEMIUM_REDIS_DB", 0),
		PoolSize:   getEnvInt("FREEMIUM_REDIS_POOL_SIZE", 4),
		MaxRetries: getEnvInt("FREEMIUM_REDIS_MAX_RETRIES", 3),
		LockPrefix: getEnv("FREEMIUM_LOCK_PREFIX", "freemium:lock:"),
		LockTTL:    getEnvDuration("FREEMIUM_LOCK_TTL", 2*time.Minute),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Type:    strings.ToLower(getEnv("FREEMIUM_GATEWAY_TYPE", GatewayTest)),
		BaseURL: getEnv("FREEMIUM_GATEWAY_URL", ""),
		APIKey:  getEnv("FREEMIUM_GATEWAY_API_KEY", ""),
		Timeout: getEnvDuration("FREEMIUM_GATEWAY_HTTP_TIMEOUT", 30*time.Second),
	}
}

func loadMailConfig() MailConfig {
	retry := notify.DefaultRetryConfig()
	retry.MaxAttempts = getEnvInt("FREEMIUM_MAIL_MAX_ATTEMPTS", retry.MaxAttempts)
	retry.InitialDelay = getEnvDuration("FREEMIUM_MAIL_RETRY_DELAY", retry.InitialDelay)

	return MailConfig{
		Type:            strings.ToLower(getEnv("FREEMIUM_MAIL_TYPE", MailLog)),
		From:            getEnv("FREEMIUM_MAIL_FROM", "billing@example.com"),
		AdminRecipients: getEnvList("FREEMIUM_MAIL_ADMIN_BCC", nil),
		SMTP: notify.SMTPConfig{
			Host:     getEnv("FREEMIUM_SMTP_HOST", "localhost"),
			Port:     getEnvInt("FREEMIUM_SMTP_PORT", 587),
			Username: getEnv("FREEMIUM_SMTP_USERNAME", ""),
			Password: getEnv("FREEMIUM_SMTP_PASSWORD", ""),
		},
		WebhookURL:     getEnv("FREEMIUM_MAIL_WEBHOOK_URL", ""),
		WebhookTimeout: getEnvDuration("FREEMIUM_MAIL_WEBHOOK_TIMEOUT", 10*time.Second),
		Retry:          retry,
	}
}

func loadReportsConfig() ReportsConfig {
	return ReportsConfig{
		Dir: getEnv("FREEMIUM_REPORTS_DIR", ""),
		S3: reports.S3Config{
			Bucket:       getEnv("FREEMIUM_REPORTS_S3_BUCKET", ""),
			Region:       getEnv("FREEMIUM_REPORTS_S3_REGION", "us-east-1"),
			Endpoint:     getEnv("FREEMIUM_REPORTS_S3_ENDPOINT", ""),
			AccessKey:    getEnv("FREEMIUM_REPORTS_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("FREEMIUM_REPORTS_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("FREEMIUM_REPORTS_S3_USE_PATH_STYLE", false),
			Prefix:       getEnv("FREEMIUM_REPORTS_S3_PREFIX", "billing-runs"),
		},
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BillingSpec:   getEnv("FREEMIUM_BILLING_SCHEDULE", "5 0 * * *"),
		ReconcileSpec: getEnv("FREEMIUM_RECONCILE_SCHEDULE", "0 * * * *"),
		RunOnStart:    getEnvBool("FREEMIUM_RUN_ON_START", false),
	}
}

func loadFeaturesConfig() FeaturesConfig {
	return FeaturesConfig{
		Path:      getEnv("FREEMIUM_FEATURES_PATH", ""),
		Watch:     getEnvBool("FREEMIUM_FEATURES_WATCH", true),
		SeedPlans: getEnvBool("FREEMIUM_FEATURES_SEED_PLANS", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("FREEMIUM_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("FREEMIUM_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("FREEMIUM_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("FREEMIUM_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("FREEMIUM_OTEL_SERVICE_NAME", "freemium-billing"),
		OTelServiceVersion: getEnv("FREEMIUM_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("FREEMIUM_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}

	if err := validateBilling(c.Billing); err != nil {
		return err
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if c.Redis.Enabled() && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}

	switch c.Gateway.Type {
	case GatewayTest:
	case GatewayHTTP:
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("gateway URL is required for the http gateway")
		}
	default:
		return fmt.Errorf("invalid gateway type: %s (must be test or http)", c.Gateway.Type)
	}

	switch c.Mail.Type {
	case MailLog:
	case MailSMTP:
		if c.Mail.SMTP.Host == "" || c.Mail.SMTP.Port <= 0 {
			return fmt.Errorf("SMTP host and port are required for smtp mail")
		}
	case MailWebhook:
		if c.Mail.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required for webhook mail")
		}
	default:
		return fmt.Errorf("invalid mail type: %s (must be log, smtp, or webhook)", c.Mail.Type)
	}
	if c.Mail.From == "" {
		return fmt.Errorf("mail from address is required")
	}
	if c.Mail.Retry.MaxAttempts < 1 {
		return fmt.Errorf("mail max attempts must be at least 1")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Scheduler.BillingSpec); err != nil {
		return fmt.Errorf("invalid billing schedule %q: %w", c.Scheduler.BillingSpec, err)
	}
	if c.Scheduler.ReconcileSpec != "" {
		if _, err := parser.Parse(c.Scheduler.ReconcileSpec); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", c.Scheduler.ReconcileSpec, err)
		}
	}

	if c.Features.SeedPlans && c.Features.Path == "" {
		return fmt.Errorf("features path is required to seed plans")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func validateBilling(s billing.Settings) error {
	if s.GraceDays < 0 {
		return fmt.Errorf("grace days must not be negative")
	}
	if s.FreeTrialDays < 0 {
		return fmt.Errorf("free trial days must not be negative")
	}
	if s.TrialWarningDays < 0 {
		return fmt.Errorf("trial warning days must not be negative")
	}
	if s.BillingConcurrency < 1 {
		return fmt.Errorf("billing concurrency must be at least 1")
	}
	if s.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway timeout must be positive")
	}
	// expiring without a plan to fall back to would strand subscriptions
	if s.GraceDays > 0 && s.ExpiredPlanKey == "" {
		return fmt.Errorf("expired plan key is required when grace days are set")
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blank entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
