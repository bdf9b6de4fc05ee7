// Package config loads the billing service configuration from environment
// variables.
//
// # Configuration Structure
//
// Ops server:
//
//	FREEMIUM_HOST="0.0.0.0"
//	FREEMIUM_HEALTH_PORT="9090"
//	FREEMIUM_SHUTDOWN_TIMEOUT="30s"
//
// Billing rules:
//
//	FREEMIUM_GRACE_DAYS="3"
//	FREEMIUM_FREE_TRIAL_DAYS="14"
//	FREEMIUM_EXPIRED_PLAN_KEY="free"           # required when grace is set
//	FREEMIUM_ADMIN_REPORT_RECIPIENTS="ops@example.com,cfo@example.com"
//	FREEMIUM_TRIAL_WARNING_DAYS="5"
//	FREEMIUM_BILLING_CONCURRENCY="4"
//	FREEMIUM_GATEWAY_TIMEOUT="30s"
//
// Storage:
//
//	FREEMIUM_STORAGE_TYPE="postgres"           # memory, postgres
//	FREEMIUM_POSTGRES_URL="postgres://localhost/freemium"
//	FREEMIUM_POSTGRES_REPLICA_URLS="postgres://replica/freemium"
//	FREEMIUM_PLAN_CACHE_SIZE="256"             # 0 disables
//
// Run lease (optional):
//
//	FREEMIUM_REDIS_URL="redis://localhost:6379"
//	FREEMIUM_LOCK_TTL="2m"
//
// Gateway and mail:
//
//	FREEMIUM_GATEWAY_TYPE="http"               # test, http
//	FREEMIUM_GATEWAY_URL="https://payments.example.com"
//	FREEMIUM_MAIL_TYPE="smtp"                  # log, smtp, webhook
//	FREEMIUM_SMTP_HOST="mail.example.com"
//	FREEMIUM_MAIL_MAX_ATTEMPTS="3"
//
// Reports, schedules and feature sets:
//
//	FREEMIUM_REPORTS_DIR="/var/lib/freemium/reports"
//	FREEMIUM_REPORTS_S3_BUCKET="billing-reports"
//	FREEMIUM_BILLING_SCHEDULE="5 0 * * *"
//	FREEMIUM_RECONCILE_SCHEDULE="0 * * * *"
//	FREEMIUM_FEATURES_PATH="/etc/freemium/features.yml"
//
// Observability:
//
//	FREEMIUM_LOG_LEVEL="info"                  # debug, info, warn, error
//	FREEMIUM_METRICS_ENABLED="true"
//	FREEMIUM_OTEL_ENABLED="true"
//	FREEMIUM_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine := billing.NewEngine(repo, gw, mailer, billing.SystemClock{}, cfg.Billing, logger)
package config
