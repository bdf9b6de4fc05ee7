package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/freemium/pkg/creditcard"
	"github.com/platinummonkey/freemium/pkg/gateway"
	"github.com/platinummonkey/freemium/pkg/observability"
	"github.com/platinummonkey/freemium/pkg/validation"
)

// Engine runs the subscription lifecycle: creation, plan changes, charges,
// grace periods, payments, expiry and cancellation. It assumes a single
// writer per subscription; overlapping billing runs must be prevented by the
// caller.
type Engine struct {
	repo     Repository
	gateway  gateway.Gateway
	vault    *creditcard.Vault
	notifier Notifier
	clock    Clock
	settings Settings
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewEngine wires an engine. A nil clock uses the system clock and a nil
// logger discards output.
func NewEngine(repo Repository, gw gateway.Gateway, notifier Notifier, clock Clock, settings Settings, logger *observability.Logger) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	if settings.InstallmentAmount == nil {
		settings.InstallmentAmount = DefaultInstallmentAmount
	}
	if settings.BillingConcurrency < 1 {
		settings.BillingConcurrency = 1
	}

	return &Engine{
		repo:     repo,
		gateway:  gw,
		vault:    creditcard.NewVault(gw).WithClock(clock.Now),
		notifier: notifier,
		clock:    clock,
		settings: settings,
		logger:   logger,
	}
}

// WithMetrics enables Prometheus counters
func (e *Engine) WithMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

// Settings returns the engine's effective settings
func (e *Engine) Settings() Settings { return e.settings }

// Clock returns the engine's clock
func (e *Engine) Clock() Clock { return e.clock }

// Vault returns the card vault backed by the engine's gateway
func (e *Engine) Vault() *creditcard.Vault { return e.vault }

// State derives the subscription's lifecycle state as of today
func (e *Engine) State(sub *Subscription) State {
	return StateAt(sub, e.clock.Today())
}

// StateAt derives the lifecycle state on a given day. Grace needs ExpireOn
// to be set; an overdue subscription that was never put into grace is
// Active until a charge fails. A past ExpireOn wins over the trial flag.
func StateAt(sub *Subscription, today Date) State {
	switch {
	case sub.ExpireOn != nil && !sub.ExpireOn.After(today):
		return StateExpired
	case sub.InTrial:
		return StateTrial
	case sub.ExpireOn != nil && sub.PaidThrough.Before(today):
		return StateGrace
	default:
		return StateActive
	}
}

func expiredOn(sub *Subscription, today Date) bool {
	return sub.ExpireOn != nil && !sub.ExpireOn.After(today)
}

// Create starts a subscription. Paid plans get the configured free trial and
// need a card, which is stored at the processor before the subscription is
// saved.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Subscription, error) {
	today := e.clock.Today()
	errs := validation.New()

	if req.Subscribable == nil {
		errs.Add("subscribable", "can't be blank")
	}
	if req.Plan == nil {
		errs.Add("subscription_plan", "can't be blank")
	}

	sub := &Subscription{
		Subscribable: req.Subscribable,
		Plan:         req.Plan,
		CreditCard:   req.CreditCard,
		PaidThrough:  today,
		StartedOn:    today,
	}

	if key := NormalizeCouponKey(req.CouponKey); key != "" {
		coupon, err := e.lookupCoupon(ctx, key, today, errs)
		if err != nil {
			return nil, err
		}
		if coupon != nil {
			sub.CouponRedemptions = append(sub.CouponRedemptions, CouponRedemption{Coupon: coupon, RedeemedOn: today})
		}
	}

	if req.Plan != nil && IsPaid(sub, today) {
		if e.settings.FreeTrialDays > 0 {
			sub.PaidThrough = today.AddDays(e.settings.FreeTrialDays)
			sub.InTrial = true
		}
		if req.CreditCard == nil {
			errs.Add("credit_card", "can't be blank")
		}
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}

	if sub.CreditCard != nil {
		if err := e.vault.Save(ctx, sub.CreditCard); err != nil {
			return nil, err
		}
	}

	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		// the processor already holds the card; don't leak the key
		if cerr := e.vault.Destroy(ctx, sub.CreditCard); cerr != nil {
			e.log(ctx, sub).WithError(cerr).Error("failed to cancel billing key after failed create")
		}
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}

	planID := sub.Plan.ID
	e.recordChange(ctx, sub, &SubscriptionChange{
		Reason:    ReasonNew,
		NewPlanID: &planID,
		NewRate:   sub.Rate(today),
	})

	e.log(ctx, sub).WithField("plan", sub.Plan.Key).WithField("in_trial", sub.InTrial).Info("subscription created")
	return sub, nil
}

// lookupCoupon resolves key, adding a validation message when it cannot be
// redeemed. Only storage failures are returned as errors.
func (e *Engine) lookupCoupon(ctx context.Context, key string, today Date, errs *validation.Errors) (*Coupon, error) {
	coupon, err := e.repo.FindCouponByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		errs.Add("coupon", fmt.Sprintf("could not be found for '%s'", key))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up coupon: %w", err)
	}

	redeemed, err := e.repo.CountRedemptions(ctx, coupon.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count coupon redemptions: %w", err)
	}
	if err := coupon.Redeemable(today, redeemed); err != nil {
		var verr *validation.Errors
		if errors.As(err, &verr) {
			for _, msg := range verr.On("coupon") {
				errs.Add("coupon", msg)
			}
		}
		return nil, nil
	}
	return coupon, nil
}

// RedeemCoupon applies a coupon to an existing subscription by its
// redemption key, case-insensitively
func (e *Engine) RedeemCoupon(ctx context.Context, sub *Subscription, key string) (*CouponRedemption, error) {
	today := e.clock.Today()
	errs := validation.New()

	key = NormalizeCouponKey(key)
	if key == "" {
		errs.Add("coupon", "can't be blank")
		return nil, errs
	}

	coupon, err := e.lookupCoupon(ctx, key, today, errs)
	if err != nil {
		return nil, err
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	sub.CouponRedemptions = append(sub.CouponRedemptions, CouponRedemption{
		SubscriptionID: sub.ID,
		Coupon:         coupon,
		RedeemedOn:     today,
	})
	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		sub.CouponRedemptions = sub.CouponRedemptions[:len(sub.CouponRedemptions)-1]
		return nil, fmt.Errorf("failed to save coupon redemption: %w", err)
	}

	e.log(ctx, sub).WithField("coupon", key).Info("coupon redeemed")
	redemption := sub.CouponRedemptions[len(sub.CouponRedemptions)-1]
	return &redemption, nil
}

// ChangePlan moves the subscription to plan and audits the change. When the
// original plan's rate is above the new plan's rate the change is a
// downgrade, or an expiration when the subscription has already expired.
// Any other move, including between equal rates, is an upgrade.
func (e *Engine) ChangePlan(ctx context.Context, sub *Subscription, plan *Plan) error {
	today := e.clock.Today()

	if plan == nil {
		errs := validation.New()
		errs.Add("subscription_plan", "can't be blank")
		return errs
	}
	if sub.Plan != nil && sub.Plan.ID == plan.ID {
		return nil
	}
	if sub.RateFor(plan, today) > 0 && sub.CreditCard == nil {
		errs := validation.New()
		errs.Add("credit_card", "can't be blank")
		return errs
	}

	change := e.applyPlan(sub, plan, today)
	if sub.PaidThrough.IsZero() {
		sub.PaidThrough = today
	}

	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save plan change: %w", err)
	}
	e.recordChange(ctx, sub, change)
	return nil
}

// applyPlan swaps the plan in memory and returns the audit row for it
func (e *Engine) applyPlan(sub *Subscription, plan *Plan, today Date) *SubscriptionChange {
	original := sub.Plan
	sub.Plan = plan
	sub.StartedOn = today

	if original == nil {
		return nil
	}

	reason := ReasonUpgrade
	if original.Rate > plan.Rate {
		reason = ReasonDowngrade
		if expiredOn(sub, today) {
			reason = ReasonExpiration
		}
	}

	originalID, newID := original.ID, plan.ID
	return &SubscriptionChange{
		Reason:         reason,
		OriginalPlanID: &originalID,
		NewPlanID:      &newID,
		OriginalRate:   sub.RateFor(original, today),
		NewRate:        sub.Rate(today),
	}
}

// UpdateCreditCard attaches a replacement card. When the subscription
// already has a billing key the processor updates the card behind it;
// otherwise a new key is stored.
func (e *Engine) UpdateCreditCard(ctx context.Context, sub *Subscription, card *creditcard.Card) error {
	if card == nil {
		errs := validation.New()
		errs.Add("credit_card", "can't be blank")
		return errs
	}
	if sub.CreditCard != nil && card != sub.CreditCard {
		card.ID = sub.CreditCard.ID
		if card.BillingKey == "" {
			card.BillingKey = sub.CreditCard.BillingKey
		}
	}

	if err := e.vault.Update(ctx, card); err != nil {
		return err
	}
	sub.CreditCard = card

	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save credit card: %w", err)
	}
	return nil
}

// Charge bills one installment. The transaction is saved before the result
// is interpreted, so the audit trail survives a crash. Only that save can
// fail the call; problems while applying the result are logged.
func (e *Engine) Charge(ctx context.Context, sub *Subscription) (*Transaction, error) {
	ctx, span := observability.Tracer().Start(ctx, "billing.Charge",
		trace.WithAttributes(attribute.Int64("subscription.id", sub.ID)),
	)
	defer span.End()

	logger := e.log(ctx, sub)
	today := e.clock.Today()
	now := e.clock.Now()
	amount := e.settings.InstallmentAmount(sub, today)
	key := sub.BillingKey()

	result, err := e.chargeGateway(ctx, key, amount)

	txn := &Transaction{
		SubscriptionID:  sub.ID,
		Success:         result.Success,
		BillingKey:      key,
		Amount:          Money(result.Amount),
		Message:         result.Message,
		CardDescription: sub.CreditCard.Description(),
		CreatedAt:       now,
	}
	if txn.Amount == 0 {
		txn.Amount = amount
	}
	if err != nil {
		txn.Success = false
		txn.Message = err.Error()
		logger.WithError(err).Warn("gateway charge failed")
	}
	span.SetAttributes(
		attribute.Int64("charge.amount_cents", int64(txn.Amount)),
		attribute.Bool("charge.success", txn.Success),
	)

	sub.LastTransactionAt = &now
	sub.Transactions = append(sub.Transactions, txn)
	if err := e.repo.SaveSubscription(ctx, sub, txn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record transaction")
		return txn, fmt.Errorf("failed to record transaction for subscription %d: %w", sub.ID, err)
	}

	if e.metrics != nil {
		if txn.Success {
			e.metrics.ChargesTotal.WithLabelValues("success").Inc()
			e.metrics.ChargedCentsTotal.Add(float64(txn.Amount))
		} else {
			e.metrics.ChargesTotal.WithLabelValues("failure").Inc()
		}
	}

	e.applyChargeResult(ctx, sub, txn)
	return txn, nil
}

// chargeGateway calls the processor under the gateway timeout. A panic in
// the gateway comes back as an error so it is recorded as a failed charge.
func (e *Engine) chargeGateway(ctx context.Context, key string, amount Money) (result gateway.ChargeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = gateway.ChargeResult{}
			err = fmt.Errorf("gateway charge panicked: %w", observability.MustRecover(r))
		}
	}()

	if e.settings.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.GatewayTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err = e.gateway.Charge(ctx, key, int64(amount))
	if e.metrics != nil {
		e.metrics.GatewayCallDuration.WithLabelValues("charge").Observe(time.Since(start).Seconds())
	}
	if err == nil && ctx.Err() != nil {
		// a late answer is treated like no answer
		err = fmt.Errorf("gateway charge timed out: %w", ctx.Err())
	}
	return result, err
}

func (e *Engine) applyChargeResult(ctx context.Context, sub *Subscription, txn *Transaction) {
	logger := e.log(ctx, sub)
	defer observability.RecoverPanic(logger, "apply charge result")

	var err error
	switch state := e.State(sub); {
	case txn.Success:
		err = e.ReceivePayment(ctx, sub, txn)
	case state == StateExpired:
		logger.Info("charge failed on an expired subscription; leaving it to the expire sweep")
	case state != StateGrace:
		err = e.EnterGrace(ctx, sub, txn)
	}
	if err != nil {
		logger.WithError(err).Error("failed to apply charge result")
	}
}

// EnterGrace sets the expiry date after a failed charge and ends any
// trial. It only ever happens once; later failures leave ExpireOn alone.
func (e *Engine) EnterGrace(ctx context.Context, sub *Subscription, txn *Transaction) error {
	if sub.ExpireOn != nil {
		return nil
	}

	today := e.clock.Today()
	expireOn := MaxDate(today, sub.PaidThrough).AddDays(e.settings.GraceDays)
	sub.ExpireOn = &expireOn
	sub.InTrial = false

	var txns []*Transaction
	if txn != nil {
		txn.Message = "now set to expire on " + expireOn.String()
		txns = append(txns, txn)
	}
	if err := e.repo.SaveSubscription(ctx, sub, txns...); err != nil {
		return fmt.Errorf("failed to save grace period: %w", err)
	}

	if e.metrics != nil {
		e.metrics.GraceEnteredTotal.Inc()
	}
	e.log(ctx, sub).WithField("expire_on", expireOn.String()).Info("subscription entered grace period")

	e.notify(ctx, sub, "expiration_warning", func(ctx context.Context) error {
		return e.notifier.ExpirationWarning(ctx, sub)
	})
	return nil
}

// ReceivePayment credits a successful transaction to the subscription and
// marks it credited, saving both together
func (e *Engine) ReceivePayment(ctx context.Context, sub *Subscription, txn *Transaction) error {
	e.Credit(sub, txn.Amount)

	txn.Message = "Paid through " + sub.PaidThrough.String()
	txn.Credited = true
	if err := e.repo.SaveSubscription(ctx, sub, txn); err != nil {
		txn.Credited = false
		return fmt.Errorf("failed to save payment: %w", err)
	}

	e.log(ctx, sub).WithField("paid_through", sub.PaidThrough.String()).Info("payment received")

	e.notify(ctx, sub, "payment_receipt", func(ctx context.Context) error {
		return e.notifier.PaymentReceipt(ctx, sub, txn)
	})
	return nil
}

// Credit extends PaidThrough by amount. Exact multiples of the effective
// rate buy whole calendar months; anything else buys amount/DailyRate days
// with the fraction dropped. Grace and trial are cleared.
func (e *Engine) Credit(sub *Subscription, amount Money) {
	today := e.clock.Today()
	rate := sub.Rate(today)

	switch {
	case rate > 0 && amount%rate == 0:
		sub.PaidThrough = sub.PaidThrough.AddMonths(int(amount / rate))
	default:
		if daily := DailyRate(sub.Plan); daily > 0 {
			sub.PaidThrough = sub.PaidThrough.AddDays(int(amount / daily))
		}
	}

	sub.ExpireOn = nil
	sub.InTrial = false
}

// Expire drops the subscription to the expired plan after sending the
// expiration notice
func (e *Engine) Expire(ctx context.Context, sub *Subscription) error {
	if e.settings.ExpiredPlanKey == "" {
		return ErrNoExpiredPlan
	}
	plan, err := e.repo.GetPlanByKey(ctx, e.settings.ExpiredPlanKey)
	if err != nil {
		return fmt.Errorf("failed to load expired plan %q: %w", e.settings.ExpiredPlanKey, err)
	}

	e.notify(ctx, sub, "expiration_notice", func(ctx context.Context) error {
		return e.notifier.ExpirationNotice(ctx, sub)
	})

	today := e.clock.Today()
	sub.ExpireOn = &today
	change := e.applyPlan(sub, plan, today)

	if err := e.repo.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save expiration: %w", err)
	}
	e.recordChange(ctx, sub, change)

	if e.metrics != nil {
		e.metrics.SubscriptionsExpiredTotal.Inc()
	}
	e.log(ctx, sub).WithField("plan", plan.Key).Info("subscription expired")
	return nil
}

// Destroy cancels the card at the processor, audits the cancellation and
// deletes the subscription
func (e *Engine) Destroy(ctx context.Context, sub *Subscription) error {
	if err := e.vault.Destroy(ctx, sub.CreditCard); err != nil {
		return err
	}

	change := &SubscriptionChange{
		Reason:       ReasonCancellation,
		OriginalRate: sub.Rate(e.clock.Today()),
	}
	if sub.Plan != nil {
		planID := sub.Plan.ID
		change.OriginalPlanID = &planID
	}
	e.recordChange(ctx, sub, change)

	if err := e.repo.DeleteSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	e.log(ctx, sub).Info("subscription cancelled")
	return nil
}

// ReconcileUncredited applies successful transactions that were saved but
// never credited, e.g. after a crash between charge and credit. It returns
// how many were applied.
func (e *Engine) ReconcileUncredited(ctx context.Context) (int, error) {
	txns, err := e.repo.FindUncredited(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find uncredited transactions: %w", err)
	}
	if e.metrics != nil {
		e.metrics.UncreditedTransactions.Set(float64(len(txns)))
	}

	var errs []error
	applied := 0
	for _, txn := range txns {
		sub, err := e.repo.GetSubscription(ctx, txn.SubscriptionID)
		if err != nil {
			errs = append(errs, fmt.Errorf("transaction %d: %w", txn.ID, err))
			continue
		}
		if err := e.ReceivePayment(ctx, sub, txn); err != nil {
			errs = append(errs, fmt.Errorf("transaction %d: %w", txn.ID, err))
			continue
		}
		applied++
	}

	if e.metrics != nil {
		e.metrics.UncreditedTransactions.Set(float64(len(txns) - applied))
	}
	return applied, errors.Join(errs...)
}

func (e *Engine) recordChange(ctx context.Context, sub *Subscription, change *SubscriptionChange) {
	if change == nil {
		return
	}
	if sub.Subscribable != nil {
		change.SubscribableID = sub.Subscribable.SubscribableID()
		change.SubscribableType = sub.Subscribable.SubscribableType()
	}
	change.CreatedAt = e.clock.Now()

	// the audit row is not part of the subscription's atomic unit
	if err := e.repo.RecordChange(ctx, change); err != nil {
		e.log(ctx, sub).WithError(err).WithField("reason", string(change.Reason)).Error("failed to record subscription change")
	}
}

// notify sends one notification. Failures and panics are logged and counted
// but never returned.
func (e *Engine) notify(ctx context.Context, sub *Subscription, kind string, send func(context.Context) error) {
	logger := e.log(ctx, sub).WithField("notification", kind)

	if e.notifier == nil {
		e.countNotification(kind, "skipped")
		return
	}

	var err error
	defer func() {
		status := "sent"
		if err != nil {
			status = "failed"
			logger.WithError(err).Warn("notification failed")
		}
		e.countNotification(kind, status)
	}()
	defer observability.RecoverPanicToError(logger, "notify "+kind, &err)

	err = send(ctx)
}

func (e *Engine) countNotification(kind, status string) {
	if e.metrics != nil {
		e.metrics.NotificationsTotal.WithLabelValues(kind, status).Inc()
	}
}

func (e *Engine) log(ctx context.Context, sub *Subscription) *observability.Logger {
	logger := observability.UpdateLoggerWithTraceContext(ctx, e.logger)
	if sub != nil {
		logger = logger.WithField("subscription_id", sub.ID)
	}
	return logger
}
