package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/freemium/pkg/billing"
	"github.com/platinummonkey/freemium/pkg/config"
	"github.com/platinummonkey/freemium/pkg/features"
	"github.com/platinummonkey/freemium/pkg/gateway"
	"github.com/platinummonkey/freemium/pkg/lock"
	"github.com/platinummonkey/freemium/pkg/notify"
	"github.com/platinummonkey/freemium/pkg/observability"
	"github.com/platinummonkey/freemium/pkg/reports"
	"github.com/platinummonkey/freemium/pkg/storage"
	"github.com/platinummonkey/freemium/pkg/storage/memory"
	"github.com/platinummonkey/freemium/pkg/storage/postgres"
)

// Run modes
const (
	modeBilling   = "billing"
	modeJustOne   = "bill_just_one"
	modeReconcile = "reconcile"
)

// runLockName is the lease every mode shares so runs never overlap
const runLockName = "billing-run"

// staleRunAfter marks the worker degraded once a daily schedule has missed
// two days
const staleRunAfter = 48 * time.Hour

// app holds the wired billing worker
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	store    storage.Store
	db       *sql.DB // nil on the memory store
	redis    *redis.Client
	locker   *lock.Locker
	engine   *billing.Engine
	driver   *billing.Driver
	archiver reports.Archiver
	features *features.Registry

	lastRun atomic.Int64 // unix nanos of the last finished run
}

// newApp wires storage, gateway, mail, the engine and the optional lease,
// archive and feature file from cfg
func newApp(ctx context.Context, cfg *config.Config, clock billing.Clock, metrics *observability.Metrics, logger *observability.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, a.db, err = openStore(cfg.Storage, logger); err != nil {
		return nil, err
	}

	if cfg.Features.Path != "" {
		if a.features, err = features.Load(cfg.Features.Path); err != nil {
			return nil, err
		}
		if cfg.Features.SeedPlans {
			if err := a.seedPlans(ctx); err != nil {
				return nil, err
			}
		}
	}

	gw, err := openGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	mailer, err := notify.NewMailer(openSender(cfg.Mail, logger), notify.MailerConfig{
		From:            cfg.Mail.From,
		AdminRecipients: cfg.Mail.AdminRecipients,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mailer: %w", err)
	}

	a.engine = billing.NewEngine(a.store, gw, mailer, clock, cfg.Billing, logger)
	if metrics != nil {
		a.engine.WithMetrics(metrics)
	}
	a.driver = billing.NewDriver(a.engine)

	if cfg.Redis.Enabled() {
		if a.redis, err = lock.NewRedisClient(cfg.Redis.Lock()); err != nil {
			return nil, err
		}
		a.locker = lock.NewLocker(a.redis, cfg.Redis.LockPrefix, logger)
	}

	if a.archiver, err = openArchiver(ctx, cfg.Reports); err != nil {
		return nil, err
	}

	return a, nil
}

func openStore(cfg storage.Config, logger *observability.Logger) (storage.Store, *sql.DB, error) {
	switch cfg.Type {
	case storage.TypePostgres:
		repo, err := postgres.Open(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.DB(), nil
	case storage.TypeMemory:
		logger.Warn("using in-memory storage; billing state is lost on exit")
		return memory.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func openGateway(cfg config.GatewayConfig) (gateway.Gateway, error) {
	switch cfg.Type {
	case config.GatewayHTTP:
		gw, err := gateway.NewHTTP(cfg.HTTP())
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway: %w", err)
		}
		return gw, nil
	case config.GatewayTest:
		return gateway.NewTest(), nil
	default:
		return nil, fmt.Errorf("unknown gateway type %q", cfg.Type)
	}
}

func openSender(cfg config.MailConfig, logger *observability.Logger) notify.Sender {
	var sender notify.Sender
	switch cfg.Type {
	case config.MailSMTP:
		sender = notify.NewSMTPSender(cfg.SMTP)
	case config.MailWebhook:
		sender = notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookTimeout)
	default:
		// nothing to retry
		return notify.NewLogSender(logger)
	}
	return notify.Retrying(sender, cfg.Retry, logger)
}

func openArchiver(ctx context.Context, cfg config.ReportsConfig) (reports.Archiver, error) {
	var archivers reports.Multi
	if cfg.Dir != "" {
		fa, err := reports.NewFileArchiver(cfg.Dir)
		if err != nil {
			return nil, err
		}
		archivers = append(archivers, fa)
	}
	if cfg.S3Enabled() {
		s3a, err := reports.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		archivers = append(archivers, s3a)
	}

	switch len(archivers) {
	case 0:
		return nil, nil
	case 1:
		return archivers[0], nil
	default:
		return archivers, nil
	}
}

func (a *app) seedPlans(ctx context.Context) error {
	n, err := a.features.SeedPlans(ctx, a.store)
	if err != nil {
		return err
	}
	a.logger.WithField("plans", n).Info("seeded plans from feature file")
	return nil
}

// watchFeatures reloads the feature file until ctx ends, reseeding plans
// when configured
func (a *app) watchFeatures(ctx context.Context) error {
	if a.features == nil || !a.cfg.Features.Watch {
		return nil
	}
	return a.features.Watch(ctx, a.cfg.Features.Path, a.logger, func(*features.Registry) {
		if !a.cfg.Features.SeedPlans {
			return
		}
		if err := a.seedPlans(ctx); err != nil {
			a.logger.WithError(err).Error("failed to reseed plans after reload")
		}
	})
}

// run performs one pass in mode under the run lease. A pass skipped
// because another process holds the lease is not an error.
func (a *app) run(ctx context.Context, mode string) error {
	if a.locker == nil {
		return a.runUnlocked(ctx, mode)
	}

	err := a.locker.WithLock(ctx, runLockName, a.cfg.Redis.LockTTL, func(ctx context.Context) error {
		return a.runUnlocked(ctx, mode)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		a.logger.WithField("mode", mode).Warn("another billing run holds the lease; skipping")
		return nil
	}
	return err
}

func (a *app) runUnlocked(ctx context.Context, mode string) error {
	logger := a.logger.WithField("mode", mode)
	start := time.Now()

	var (
		report *billing.RunReport
		err    error
	)
	switch mode {
	case modeBilling:
		report, err = a.driver.RunBilling(ctx)
	case modeJustOne:
		report, err = a.driver.BillJustOne(ctx)
	case modeReconcile:
		var applied int
		applied, err = a.engine.ReconcileUncredited(ctx)
		logger = logger.WithField("applied", applied)
	default:
		return fmt.Errorf("unknown run mode %q", mode)
	}

	if report != nil {
		reports.Archive(ctx, a.archiver, report, a.logger)
		logger = logger.WithFields(map[string]interface{}{
			"run_id":       report.RunID,
			"transactions": len(report.Transactions),
			"charged":      report.ChargedTotal().String(),
			"expired":      len(report.Expired),
			"failures":     len(report.Failures),
		})
	}
	logger = logger.WithField("duration", time.Since(start).String())

	if err != nil {
		logger.WithError(err).Error("billing run failed")
		return err
	}
	a.lastRun.Store(time.Now().UnixNano())
	logger.Info("billing run complete")
	return nil
}

// lastRunTime reports when the last run finished; zero before the first
func (a *app) lastRunTime() time.Time {
	n := a.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// healthChecker reports on the store, the lease backend and the last run
func (a *app) healthChecker(version string) *observability.HealthChecker {
	return observability.NewHealthChecker(a.db, a.redis, version).
		WithLastRun(a.lastRunTime).
		WithStaleAfter(staleRunAfter)
}

// close releases everything newApp opened
func (a *app) close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
