package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/freemium/pkg/observability"
)

// Failure stages reported in a RunReport
const (
	StageCharge       = "charge"
	StageExpire       = "expire"
	StageTrialWarning = "trial_warning"
)

// Failure is one subscription the run could not process
type Failure struct {
	SubscriptionID int64  `json:"subscription_id"`
	Stage          string `json:"stage"`
	Error          string `json:"error"`
}

// RunReport summarizes one billing run
type RunReport struct {
	RunID         string         `json:"run_id"`
	Mode          string         `json:"mode"`
	Date          Date           `json:"date"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Transactions  []*Transaction `json:"transactions"`
	Expired       []int64        `json:"expired_subscription_ids"`
	TrialWarnings []int64        `json:"trial_warning_subscription_ids"`
	Failures      []Failure      `json:"failures"`
}

// ChargedTotal sums the successful transactions
func (r *RunReport) ChargedTotal() Money {
	var total Money
	for _, txn := range r.Transactions {
		if txn.Success {
			total += txn.Amount
		}
	}
	return total
}

func (r *RunReport) fail(subID int64, stage string, err error) {
	r.Failures = append(r.Failures, Failure{SubscriptionID: subID, Stage: stage, Error: err.Error()})
}

// Driver runs manual billing: the periodic batch that charges everything
// due, expires what ran out of grace, reports to admins and warns trials
// that are about to end. Runs must not overlap.
type Driver struct {
	engine *Engine
}

// NewDriver creates a driver sharing the engine's collaborators
func NewDriver(engine *Engine) *Driver {
	return &Driver{engine: engine}
}

// Engine returns the engine the driver charges through
func (d *Driver) Engine() *Engine { return d.engine }

// RunBilling performs one full billing pass. A failure on one subscription
// is recorded in the report and never stops the others; only failing to
// list work returns an error.
func (d *Driver) RunBilling(ctx context.Context) (report *RunReport, err error) {
	e := d.engine
	report = d.newReport("full")
	ctx = observability.WithRunID(ctx, report.RunID)

	ctx, span := observability.Tracer().Start(ctx, "billing.RunBilling",
		trace.WithAttributes(attribute.String("billing.run_id", report.RunID)),
	)
	defer span.End()
	defer d.finish(report, &err)

	logger := e.log(ctx, nil)
	logger.WithField("date", report.Date.String()).Info("billing run started")

	billable, err := d.billable(ctx, report.Date)
	if err != nil {
		return report, err
	}
	d.chargeAll(ctx, billable, report)

	if err := d.expireSweep(ctx, report); err != nil {
		return report, err
	}

	d.sendAdminReport(ctx, report)

	if err := d.warnTrialsEnding(ctx, report); err != nil {
		return report, err
	}

	span.SetAttributes(
		attribute.Int("billing.transactions", len(report.Transactions)),
		attribute.Int("billing.failures", len(report.Failures)),
	)
	logger.WithFields(map[string]interface{}{
		"transactions":   len(report.Transactions),
		"charged":        report.ChargedTotal().String(),
		"expired":        len(report.Expired),
		"trial_warnings": len(report.TrialWarnings),
		"failures":       len(report.Failures),
	}).Info("billing run finished")
	return report, nil
}

// BillJustOne charges only the first billable subscription. It is an
// operational escape hatch; nothing else in the run happens.
func (d *Driver) BillJustOne(ctx context.Context) (report *RunReport, err error) {
	report = d.newReport("just_one")
	ctx = observability.WithRunID(ctx, report.RunID)
	defer d.finish(report, &err)

	billable, err := d.billable(ctx, report.Date)
	if err != nil {
		return report, err
	}
	if len(billable) == 0 {
		return report, ErrNothingToBill
	}

	d.chargeAll(ctx, billable[:1], report)
	return report, nil
}

func (d *Driver) newReport(mode string) *RunReport {
	clock := d.engine.clock
	return &RunReport{
		RunID:     uuid.New().String(),
		Mode:      mode,
		Date:      clock.Today(),
		StartedAt: clock.Now(),
	}
}

func (d *Driver) finish(report *RunReport, errp *error) {
	report.FinishedAt = d.engine.clock.Now()

	m := d.engine.metrics
	if m == nil {
		return
	}
	status := "success"
	if *errp != nil {
		status = "error"
	} else if len(report.Failures) > 0 {
		status = "partial"
	}
	m.BillingRunsTotal.WithLabelValues(report.Mode, status).Inc()
	m.BillingRunDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	m.BillingLastRunTime.Set(float64(report.FinishedAt.Unix()))
	for _, f := range report.Failures {
		m.BillingRunFailures.WithLabelValues(f.Stage).Inc()
	}
}

// billable is every subscription due today whose coupons leave something to
// charge. Expired subscriptions are left to the expire sweep.
func (d *Driver) billable(ctx context.Context, today Date) ([]*Subscription, error) {
	due, err := d.engine.repo.FindBillable(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("failed to find billable subscriptions: %w", err)
	}

	out := due[:0]
	for _, sub := range due {
		if IsPaid(sub, today) && StateAt(sub, today) != StateExpired {
			out = append(out, sub)
		}
	}
	return out, nil
}

// chargeAll charges each subscription, BillingConcurrency at a time.
// Transactions keep the order of subs.
func (d *Driver) chargeAll(ctx context.Context, subs []*Subscription, report *RunReport) {
	results := make([]*Transaction, len(subs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(d.engine.settings.BillingConcurrency)

	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			txn, err := d.chargeOne(ctx, sub)
			results[i] = txn
			if err != nil {
				mu.Lock()
				report.fail(sub.ID, StageCharge, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, txn := range results {
		if txn != nil {
			report.Transactions = append(report.Transactions, txn)
		}
	}
}

func (d *Driver) chargeOne(ctx context.Context, sub *Subscription) (txn *Transaction, err error) {
	defer observability.RecoverPanicToError(d.engine.log(ctx, sub), "charge", &err)
	return d.engine.Charge(ctx, sub)
}

// expireSweep moves subscriptions past their grace period to the expired
// plan
func (d *Driver) expireSweep(ctx context.Context, report *RunReport) error {
	expired, err := d.engine.repo.FindExpired(ctx, report.Date)
	if err != nil {
		return fmt.Errorf("failed to find expired subscriptions: %w", err)
	}

	for _, sub := range expired {
		if StateAt(sub, report.Date) != StateExpired || !IsPaid(sub, report.Date) {
			continue
		}
		if err := d.expireOne(ctx, sub); err != nil {
			report.fail(sub.ID, StageExpire, err)
			continue
		}
		report.Expired = append(report.Expired, sub.ID)
	}
	return nil
}

func (d *Driver) expireOne(ctx context.Context, sub *Subscription) (err error) {
	defer observability.RecoverPanicToError(d.engine.log(ctx, sub), "expire", &err)
	return d.engine.Expire(ctx, sub)
}

func (d *Driver) sendAdminReport(ctx context.Context, report *RunReport) {
	e := d.engine
	recipients := e.settings.AdminReportRecipients
	if len(report.Transactions) == 0 || len(recipients) == 0 {
		return
	}

	e.notify(ctx, nil, "admin_report", func(ctx context.Context) error {
		return e.notifier.AdminReport(ctx, recipients, report.Transactions)
	})
}

// warnTrialsEnding notifies each trial ending within TrialWarningDays once
func (d *Driver) warnTrialsEnding(ctx context.Context, report *RunReport) error {
	e := d.engine
	cutoff := report.Date.AddDays(e.settings.TrialWarningDays)

	subs, err := e.repo.FindTrialEndingSoon(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find trials ending soon: %w", err)
	}

	for _, sub := range subs {
		if !sub.InTrial || sub.SentTrialEndsWarning {
			continue
		}
		if err := d.warnOne(ctx, sub); err != nil {
			report.fail(sub.ID, StageTrialWarning, err)
			continue
		}
		report.TrialWarnings = append(report.TrialWarnings, sub.ID)
	}
	return nil
}

func (d *Driver) warnOne(ctx context.Context, sub *Subscription) (err error) {
	e := d.engine
	defer observability.RecoverPanicToError(e.log(ctx, sub), "trial warning", &err)

	e.notify(ctx, sub, "trial_ends_soon", func(ctx context.Context) error {
		return e.notifier.TrialEndsSoonWarning(ctx, sub)
	})

	sub.SentTrialEndsWarning = true
	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		sub.SentTrialEndsWarning = false
		return fmt.Errorf("failed to save trial warning flag: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TrialWarningsTotal.Inc()
	}
	return nil
}
