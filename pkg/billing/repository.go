package billing

import "context"

// Repository persists plans, coupons, subscriptions and their audit rows.
// Implementations return ErrNotFound (possibly wrapped) for missing rows.
type Repository interface {
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	GetPlanByKey(ctx context.Context, key string) (*Plan, error)

	// FindCouponByKey looks up a coupon by its lower-cased redemption key
	FindCouponByKey(ctx context.Context, key string) (*Coupon, error)
	CountRedemptions(ctx context.Context, couponID int64) (int, error)

	GetSubscription(ctx context.Context, id int64) (*Subscription, error)

	// SaveSubscription writes the subscription, its card, any new coupon
	// redemptions and the given transactions in one atomic unit. Rows with
	// a zero ID are inserted and receive their ID.
	SaveSubscription(ctx context.Context, sub *Subscription, txns ...*Transaction) error
	DeleteSubscription(ctx context.Context, id int64) error

	RecordChange(ctx context.Context, change *SubscriptionChange) error

	// FindBillable returns subscriptions on a paying plan with
	// PaidThrough <= today
	FindBillable(ctx context.Context, today Date) ([]*Subscription, error)
	// FindExpired returns subscriptions on a paying plan whose ExpireOn is
	// on or before today
	FindExpired(ctx context.Context, today Date) ([]*Subscription, error)
	// FindTrialEndingSoon returns unwarned trial subscriptions on a paying
	// plan with PaidThrough <= cutoff
	FindTrialEndingSoon(ctx context.Context, cutoff Date) ([]*Subscription, error)
	// FindUncredited returns successful transactions never applied to
	// their subscription
	FindUncredited(ctx context.Context) ([]*Transaction, error)
}

// Notifier delivers customer and admin mail. Errors are logged by the
// caller and never undo a billing transition.
type Notifier interface {
	PaymentReceipt(ctx context.Context, sub *Subscription, txn *Transaction) error
	ExpirationWarning(ctx context.Context, sub *Subscription) error
	ExpirationNotice(ctx context.Context, sub *Subscription) error
	TrialEndsSoonWarning(ctx context.Context, sub *Subscription) error
	AdminReport(ctx context.Context, recipients []string, txns []*Transaction) error
}
