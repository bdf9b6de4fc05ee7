package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/freemium/pkg/observability"
	"github.com/platinummonkey/freemium/pkg/storage"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "returns true for 'true'", envValue: "true", want: true},
		{name: "returns true for 'TRUE'", envValue: "TRUE", want: true},
		{name: "returns true for '1'", envValue: "1", want: true},
		{name: "returns false for 'false'", envValue: "false", defaultValue: true, want: false},
		{name: "returns false for anything else", envValue: "yes", defaultValue: true, want: false},
		{name: "returns default when unset", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 7))

	t.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))

	assert.Equal(t, 7, getEnvInt("TEST_INT_NOT_SET", 7))
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))

	t.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION", time.Second))
}

// TestGetEnvList tests the getEnvList helper function
func TestGetEnvList(t *testing.T) {
	assert.Equal(t, []string{"a"}, getEnvList("TEST_LIST_NOT_SET", []string{"a"}))

	t.Setenv("TEST_LIST", " ops@example.com ,, billing@example.com ,")
	assert.Equal(t, []string{"ops@example.com", "billing@example.com"}, getEnvList("TEST_LIST", nil))

	t.Setenv("TEST_LIST", " , ")
	assert.Empty(t, getEnvList("TEST_LIST", []string{"a"}))
}

// TestParseLogLevel tests log level parsing
func TestParseLogLevel(t *testing.T) {
	tests := map[string]observability.LogLevel{
		"debug":   observability.DebugLevel,
		"INFO":    observability.InfoLevel,
		"warn":    observability.WarnLevel,
		"warning": observability.WarnLevel,
		"error":   observability.ErrorLevel,
		"chatty":  observability.InfoLevel,
	}
	for input, want := range tests {
		t.Run(input, func(t *testing.T) {
			assert.Equal(t, want, parseLogLevel(input))
		})
	}
}

// TestLoadConfig_Defaults tests loading with no environment set
func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 5, cfg.Billing.TrialWarningDays)
	assert.Equal(t, 1, cfg.Billing.BillingConcurrency)
	assert.Zero(t, cfg.Billing.GraceDays)

	assert.Equal(t, storage.TypeMemory, cfg.Storage.Type)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, GatewayTest, cfg.Gateway.Type)
	assert.Equal(t, MailLog, cfg.Mail.Type)
	assert.Equal(t, 3, cfg.Mail.Retry.MaxAttempts)
	assert.False(t, cfg.Reports.S3Enabled())
	assert.Equal(t, "5 0 * * *", cfg.Scheduler.BillingSpec)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Observability.OTel().Enabled)
}

// TestLoadConfig_FromEnvironment tests that every section reads its variables
func TestLoadConfig_FromEnvironment(t *testing.T) {
	env := map[string]string{
		"FREEMIUM_HEALTH_PORT":               "9191",
		"FREEMIUM_GRACE_DAYS":                "3",
		"FREEMIUM_FREE_TRIAL_DAYS":           "14",
		"FREEMIUM_EXPIRED_PLAN_KEY":          "free",
		"FREEMIUM_ADMIN_REPORT_RECIPIENTS":   "ops@example.com, cfo@example.com",
		"FREEMIUM_BILLING_CONCURRENCY":       "8",
		"FREEMIUM_GATEWAY_TIMEOUT":           "5s",
		"FREEMIUM_STORAGE_TYPE":              "postgres",
		"FREEMIUM_POSTGRES_URL":              "postgres://db/billing",
		"FREEMIUM_POSTGRES_REPLICA_URLS":     "postgres://r1/billing,postgres://r2/billing",
		"FREEMIUM_POSTGRES_MAX_CONNS":        "40",
		"FREEMIUM_PLAN_CACHE_SIZE":           "0",
		"FREEMIUM_REDIS_URL":                 "redis://cache:6379/1",
		"FREEMIUM_LOCK_TTL":                  "5m",
		"FREEMIUM_GATEWAY_TYPE":              "HTTP",
		"FREEMIUM_GATEWAY_URL":               "https://payments.example.com",
		"FREEMIUM_GATEWAY_API_KEY":           "sk_test",
		"FREEMIUM_MAIL_TYPE":                 "smtp",
		"FREEMIUM_SMTP_HOST":                 "mail.example.com",
		"FREEMIUM_SMTP_PORT":                 "2525",
		"FREEMIUM_MAIL_ADMIN_BCC":            "audit@example.com",
		"FREEMIUM_MAIL_MAX_ATTEMPTS":         "5",
		"FREEMIUM_REPORTS_S3_BUCKET":         "billing-reports",
		"FREEMIUM_REPORTS_S3_ENDPOINT":       "http://minio:9000",
		"FREEMIUM_REPORTS_S3_USE_PATH_STYLE": "true",
		"FREEMIUM_BILLING_SCHEDULE":          "@daily",
		"FREEMIUM_FEATURES_PATH":             "/etc/freemium/features.yml",
		"FREEMIUM_FEATURES_SEED_PLANS":       "true",
		"FREEMIUM_LOG_LEVEL":                 "debug",
		"FREEMIUM_OTEL_ENABLED":              "true",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Server.HealthPort)
	assert.Equal(t, 3, cfg.Billing.GraceDays)
	assert.Equal(t, 14, cfg.Billing.FreeTrialDays)
	assert.Equal(t, "free", cfg.Billing.ExpiredPlanKey)
	assert.Equal(t, []string{"ops@example.com", "cfo@example.com"}, cfg.Billing.AdminReportRecipients)
	assert.Equal(t, 8, cfg.Billing.BillingConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Billing.GatewayTimeout)

	assert.Equal(t, storage.TypePostgres, cfg.Storage.Type)
	assert.Equal(t, []string{"postgres://r1/billing", "postgres://r2/billing"}, cfg.Storage.PostgresReplicaURLs)
	assert.Equal(t, 40, cfg.Storage.PostgresMaxConns)
	assert.Zero(t, cfg.Storage.PlanCacheSize)

	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.Lock().URL)
	assert.Equal(t, 5*time.Minute, cfg.Redis.LockTTL)

	assert.Equal(t, GatewayHTTP, cfg.Gateway.Type)
	assert.Equal(t, "https://payments.example.com", cfg.Gateway.HTTP().BaseURL)
	assert.Equal(t, "sk_test", cfg.Gateway.HTTP().APIKey)

	assert.Equal(t, MailSMTP, cfg.Mail.Type)
	assert.Equal(t, "mail.example.com:2525", cfg.Mail.SMTP.Addr())
	assert.Equal(t, []string{"audit@example.com"}, cfg.Mail.AdminRecipients)
	assert.Equal(t, 5, cfg.Mail.Retry.MaxAttempts)

	assert.True(t, cfg.Reports.S3Enabled())
	assert.True(t, cfg.Reports.S3.UsePathStyle)
	assert.Equal(t, "http://minio:9000", cfg.Reports.S3.Endpoint)

	assert.Equal(t, "@daily", cfg.Scheduler.BillingSpec)
	assert.True(t, cfg.Features.SeedPlans)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.OTel().Enabled)
	assert.Equal(t, "freemium-billing", cfg.Observability.OTel().ServiceName)
}

// TestValidate tests configuration validation
func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := LoadConfig()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"missing health port", func(c *Config) { c.Server.HealthPort = "" }, "health port is required"},
		{"negative grace", func(c *Config) { c.Billing.GraceDays = -1 }, "grace days"},
		{"grace without expired plan", func(c *Config) { c.Billing.GraceDays = 3 }, "expired plan key"},
		{"grace with expired plan", func(c *Config) {
			c.Billing.GraceDays = 3
			c.Billing.ExpiredPlanKey = "free"
		}, ""},
		{"zero concurrency", func(c *Config) { c.Billing.BillingConcurrency = 0 }, "concurrency"},
		{"zero gateway timeout", func(c *Config) { c.Billing.GatewayTimeout = 0 }, "gateway timeout"},
		{"postgres without URL", func(c *Config) { c.Storage.Type = storage.TypePostgres }, "storage"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "filesystem" }, "unknown storage type"},
		{"redis without lock ttl", func(c *Config) {
			c.Redis.URL = "redis://localhost:6379"
			c.Redis.LockTTL = 0
		}, "lock TTL"},
		{"http gateway without URL", func(c *Config) { c.Gateway.Type = GatewayHTTP }, "gateway URL"},
		{"unknown gateway", func(c *Config) { c.Gateway.Type = "stripe" }, "invalid gateway type"},
		{"smtp without host", func(c *Config) {
			c.Mail.Type = MailSMTP
			c.Mail.SMTP.Host = ""
		}, "SMTP host"},
		{"webhook without URL", func(c *Config) { c.Mail.Type = MailWebhook }, "webhook URL"},
		{"unknown mail", func(c *Config) { c.Mail.Type = "pigeon" }, "invalid mail type"},
		{"missing from", func(c *Config) { c.Mail.From = "" }, "from address"},
		{"no mail attempts", func(c *Config) { c.Mail.Retry.MaxAttempts = 0 }, "max attempts"},
		{"bad billing schedule", func(c *Config) { c.Scheduler.BillingSpec = "every day" }, "invalid billing schedule"},
		{"bad reconcile schedule", func(c *Config) { c.Scheduler.ReconcileSpec = "* *" }, "invalid reconcile schedule"},
		{"seed without path", func(c *Config) { c.Features.SeedPlans = true }, "features path"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "OpenTelemetry endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

// TestLoadConfig_Invalid tests that LoadConfig surfaces validation errors
func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("FREEMIUM_GATEWAY_TYPE", "carrier-pigeon")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "configuration validation failed")
}
