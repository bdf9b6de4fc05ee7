package billing

import (
	"time"

	"github.com/platinummonkey/freemium/pkg/creditcard"
)

// Plan is a service level customers subscribe to. A zero rate is a free plan.
type Plan struct {
	ID           int64  `json:"id"`
	Key          string `json:"key"`
	Name         string `json:"name"`
	Rate         Money  `json:"rate_cents"`
	FeatureSetID string `json:"feature_set_id,omitempty"`
	Yearly       bool   `json:"yearly"`
}

// IsFree reports whether the plan costs nothing before discounts
func (p *Plan) IsFree() bool {
	return p == nil || p.Rate <= 0
}

// Coupon is a percentage discount customers redeem by key
type Coupon struct {
	ID                   int64  `json:"id"`
	Description          string `json:"description"`
	DiscountPercentage   int    `json:"discount_percentage"`
	RedemptionKey        string `json:"redemption_key"`
	RedemptionLimit      *int   `json:"redemption_limit,omitempty"`
	RedemptionExpiration *Date  `json:"redemption_expiration,omitempty"`
	DurationInMonths     *int   `json:"duration_in_months,omitempty"`
}

// CouponRedemption ties a coupon to a subscription from RedeemedOn
type CouponRedemption struct {
	ID             int64   `json:"id"`
	SubscriptionID int64   `json:"subscription_id"`
	Coupon         *Coupon `json:"coupon"`
	RedeemedOn     Date    `json:"redeemed_on"`
	ExpiredOn      *Date   `json:"expired_on,omitempty"`
}

// Subscribable is whatever owns a subscription. The engine only needs an
// identifier and somewhere to send mail.
type Subscribable interface {
	SubscribableID() int64
	SubscribableType() string
	NotificationAddress() string
}

// Owner is the stored form of a Subscribable
type Owner struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Email string `json:"email"`
}

func (o Owner) SubscribableID() int64       { return o.ID }
func (o Owner) SubscribableType() string    { return o.Type }
func (o Owner) NotificationAddress() string { return o.Email }

// Subscription is one owner's billing state
type Subscription struct {
	ID                   int64              `json:"id"`
	Subscribable         Subscribable       `json:"-"`
	Plan                 *Plan              `json:"plan"`
	CreditCard           *creditcard.Card   `json:"-"`
	PaidThrough          Date               `json:"paid_through"`
	ExpireOn             *Date              `json:"expire_on,omitempty"`
	StartedOn            Date               `json:"started_on"`
	LastTransactionAt    *time.Time         `json:"last_transaction_at,omitempty"`
	InTrial              bool               `json:"in_trial"`
	SentTrialEndsWarning bool               `json:"sent_trial_ends_warning"`
	Transactions         []*Transaction     `json:"-"`
	CouponRedemptions    []CouponRedemption `json:"coupon_redemptions,omitempty"`
}

// BillingKey is the processor key of the subscription's card
func (s *Subscription) BillingKey() string {
	if s.CreditCard == nil {
		return ""
	}
	return s.CreditCard.BillingKey
}

// NotificationAddress is where the owner's mail goes
func (s *Subscription) NotificationAddress() string {
	if s.Subscribable == nil {
		return ""
	}
	return s.Subscribable.NotificationAddress()
}

// Transaction records one charge attempt. Rows are only ever appended;
// Credited and Message are filled in once the payment is applied.
type Transaction struct {
	ID              int64     `json:"id"`
	SubscriptionID  int64     `json:"subscription_id"`
	Success         bool      `json:"success"`
	BillingKey      string    `json:"billing_key"`
	Amount          Money     `json:"amount_cents"`
	Message         string    `json:"message"`
	Credited        bool      `json:"credited"`
	CardDescription string    `json:"credit_card,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChangeReason says why a subscription's plan changed
type ChangeReason string

const (
	ReasonNew          ChangeReason = "new"
	ReasonUpgrade      ChangeReason = "upgrade"
	ReasonDowngrade    ChangeReason = "downgrade"
	ReasonExpiration   ChangeReason = "expiration"
	ReasonCancellation ChangeReason = "cancellation"
)

// SubscriptionChange is the audit row written on every plan change
type SubscriptionChange struct {
	ID               int64        `json:"id"`
	SubscribableID   int64        `json:"subscribable_id"`
	SubscribableType string       `json:"subscribable_type"`
	Reason           ChangeReason `json:"reason"`
	OriginalPlanID   *int64       `json:"original_subscription_plan_id,omitempty"`
	NewPlanID        *int64       `json:"new_subscription_plan_id,omitempty"`
	OriginalRate     Money        `json:"original_rate_cents"`
	NewRate          Money        `json:"new_rate_cents"`
	CreatedAt        time.Time    `json:"created_at"`
}

// State is the lifecycle position of a subscription, derived from its
// dates and trial flag
type State string

const (
	StateTrial   State = "trial"
	StateActive  State = "active"
	StateGrace   State = "grace"
	StateExpired State = "expired"
)

// CreateRequest is the input to Engine.Create
type CreateRequest struct {
	Subscribable Subscribable
	Plan         *Plan
	CreditCard   *creditcard.Card
	CouponKey    string
}
