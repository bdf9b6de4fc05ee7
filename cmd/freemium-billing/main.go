// Command freemium-billing is the billing worker. It charges due
// subscriptions, expires lapsed ones and warns trials, either once or on a
// cron schedule.
//
//	freemium-billing --run-once                # one full pass, then exit
//	freemium-billing --run-once --date 2024-03-15
//	freemium-billing --bill-just-one           # charge the first due subscription
//	freemium-billing --reconcile               # apply uncredited payments
//	freemium-billing --schedule                # run on FREEMIUM_BILLING_SCHEDULE
//
// Configuration comes from FREEMIUM_* environment variables; see pkg/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/freemium/pkg/billing"
	"github.com/platinummonkey/freemium/pkg/config"
	"github.com/platinummonkey/freemium/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	runOnce     = flag.Bool("run-once", false, "Run one full billing pass and exit")
	billJustOne = flag.Bool("bill-just-one", false, "Charge only the first billable subscription and exit")
	reconcile   = flag.Bool("reconcile", false, "Apply successful but uncredited transactions and exit")
	schedule    = flag.Bool("schedule", false, "Run billing on the configured cron schedule (default when no other mode is given)")
	billingDate = flag.String("date", "", "Bill as of this day (YYYY-MM-DD). Only used with --run-once or --bill-just-one")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "freemium-billing: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mode, err := selectMode(*runOnce, *billJustOne, *reconcile, *schedule)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName).
		WithField("version", version)

	clock, err := clockFor(*billingDate, mode)
	if err != nil {
		return err
	}

	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	a, err := newApp(ctx, cfg, clock, metrics, logger)
	if err != nil {
		_ = observability.ShutdownOTel(ctx, providers, logger)
		return err
	}

	if mode != "" {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = observability.ShutdownOTel(shutdownCtx, providers, logger)
		}()
		defer a.close()
		return a.run(ctx, mode)
	}

	return serve(cfg, a, registry, metrics, providers, logger)
}

// serve runs the scheduler and the ops server until SIGINT or SIGTERM
func serve(cfg *config.Config, a *app, registry *prometheus.Registry, metrics *observability.Metrics, providers *observability.OTelProviders, logger *observability.Logger) error {
	sched, err := newScheduler(a, cfg.Scheduler, logger)
	if err != nil {
		a.close()
		return err
	}

	router := newOpsRouter(a.healthChecker(version), registry, metrics)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	if err := a.watchFeatures(watchCtx); err != nil {
		logger.WithError(err).Warn("feature file will not be reloaded")
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("scheduler", sched.Stop)
	shutdown.Register("feature watcher", func(context.Context) error {
		stopWatch()
		return nil
	})
	shutdown.Register("storage", func(context.Context) error { return a.close() })
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	go func() {
		logger.Infof("ops server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("ops server failed")
		}
	}()

	sched.Start()
	logger.WithFields(map[string]interface{}{
		"billing_schedule":   cfg.Scheduler.BillingSpec,
		"reconcile_schedule": cfg.Scheduler.ReconcileSpec,
		"jobs":               sched.Entries(),
	}).Info("billing scheduler started")

	if cfg.Scheduler.RunOnStart {
		go sched.job(modeBilling)()
	}

	return shutdown.WaitForShutdown()
}

// newOpsRouter serves health and, when metrics are on, /metrics
func newOpsRouter(checker *observability.HealthChecker, gatherer prometheus.Gatherer, metrics *observability.Metrics) *mux.Router {
	router := mux.NewRouter()
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
		observability.RegisterMetricsEndpoint(router, gatherer)
	}
	observability.RegisterHealthRoutes(router, checker)
	return router
}

// selectMode maps the mode flags to a run mode. The empty mode means run
// on the schedule.
func selectMode(runOnce, justOne, reconcile, schedule bool) (string, error) {
	var modes []string
	if runOnce {
		modes = append(modes, modeBilling)
	}
	if justOne {
		modes = append(modes, modeJustOne)
	}
	if reconcile {
		modes = append(modes, modeReconcile)
	}
	if schedule {
		modes = append(modes, "")
	}

	switch len(modes) {
	case 0:
		return "", nil
	case 1:
		return modes[0], nil
	default:
		return "", fmt.Errorf("--run-once, --bill-just-one, --reconcile and --schedule are mutually exclusive")
	}
}

// clockFor pins the clock to date for one-shot runs, and reads the wall
// clock otherwise
func clockFor(date, mode string) (billing.Clock, error) {
	if date == "" {
		return billing.SystemClock{}, nil
	}
	if mode != modeBilling && mode != modeJustOne {
		return nil, fmt.Errorf("--date only applies to --run-once and --bill-just-one")
	}
	d, err := billing.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("invalid --date: %w", err)
	}
	return billing.NewFixedClockOn(d), nil
}
