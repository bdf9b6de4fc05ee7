package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/freemium/pkg/config"
	"github.com/platinummonkey/freemium/pkg/observability"
)

// scheduler runs billing and reconciliation on cron schedules
type scheduler struct {
	cron   *cron.Cron
	app    *app
	ctx    context.Context
	cancel context.CancelFunc
}

// newScheduler registers the jobs in cfg. A job that panics is recovered
// and logged; the next tick runs normally.
func newScheduler(a *app, cfg config.SchedulerConfig, logger *observability.Logger) (*scheduler, error) {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	s := &scheduler{cron: c, app: a, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(cfg.BillingSpec, s.job(modeBilling)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule billing: %w", err)
	}
	if cfg.ReconcileSpec != "" {
		if _, err := c.AddFunc(cfg.ReconcileSpec, s.job(modeReconcile)); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
	}
	return s, nil
}

func (s *scheduler) job(mode string) func() {
	return func() {
		// errors are logged by run
		_ = s.app.run(s.ctx, mode)
	}
}

// Start begins firing jobs
func (s *scheduler) Start() {
	s.cron.Start()
}

// Stop lets a running job finish. If ctx ends first the job's context is
// cancelled so it stops starting new charges.
func (s *scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Entries is the number of scheduled jobs
func (s *scheduler) Entries() int {
	return len(s.cron.Entries())
}
