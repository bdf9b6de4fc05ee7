// Package memory is a process-local billing repository. It copies values in
// and out so callers see the same isolation a database gives them.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/freemium/pkg/billing"
	"github.com/platinummonkey/freemium/pkg/creditcard"
	"github.com/platinummonkey/freemium/pkg/storage"
)

// Repository implements storage.Store in memory
type Repository struct {
	mu     sync.RWMutex
	nextID int64

	plans         map[int64]billing.Plan
	coupons       map[int64]billing.Coupon
	subscriptions map[int64]*billing.Subscription
	transactions  map[int64]billing.Transaction
	txnOrder      []int64
	changes       []billing.SubscriptionChange
}

var _ storage.Store = (*Repository)(nil)

// New creates an empty repository
func New() *Repository {
	return &Repository{
		plans:         make(map[int64]billing.Plan),
		coupons:       make(map[int64]billing.Coupon),
		subscriptions: make(map[int64]*billing.Subscription),
		transactions:  make(map[int64]billing.Transaction),
	}
}

func (r *Repository) id() int64 {
	r.nextID++
	return r.nextID
}

// Close is a no-op
func (r *Repository) Close() error { return nil }

// PutPlan inserts or replaces a plan, assigning an ID when it has none.
// Plan keys are unique.
func (r *Repository) PutPlan(plan *billing.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.plans {
		if p.Key == plan.Key && id != plan.ID {
			return fmt.Errorf("plan key %q already used by plan %d", plan.Key, id)
		}
	}
	if plan.ID == 0 {
		plan.ID = r.id()
	} else if plan.ID > r.nextID {
		r.nextID = plan.ID
	}
	r.plans[plan.ID] = *plan
	return nil
}

// SavePlan is PutPlan with the repository signature the postgres store
// shares
func (r *Repository) SavePlan(_ context.Context, plan *billing.Plan) error {
	return r.PutPlan(plan)
}

// PutCoupon inserts or replaces a coupon, assigning an ID when it has none
func (r *Repository) PutCoupon(coupon *billing.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := billing.NormalizeCouponKey(coupon.RedemptionKey)
	for id, c := range r.coupons {
		if key != "" && billing.NormalizeCouponKey(c.RedemptionKey) == key && id != coupon.ID {
			return fmt.Errorf("redemption key %q already used by coupon %d", key, id)
		}
	}
	if coupon.ID == 0 {
		coupon.ID = r.id()
	} else if coupon.ID > r.nextID {
		r.nextID = coupon.ID
	}
	r.coupons[coupon.ID] = *coupon
	return nil
}

func (r *Repository) GetPlan(ctx context.Context, id int64) (*billing.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plan(id)
}

func (r *Repository) plan(id int64) (*billing.Plan, error) {
	p, ok := r.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %d: %w", id, billing.ErrNotFound)
	}
	return &p, nil
}

func (r *Repository) GetPlanByKey(ctx context.Context, key string) (*billing.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plans {
		if p.Key == key {
			p := p
			return &p, nil
		}
	}
	return nil, fmt.Errorf("plan %q: %w", key, billing.ErrNotFound)
}

func (r *Repository) FindCouponByKey(ctx context.Context, key string) (*billing.Coupon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key = billing.NormalizeCouponKey(key)
	for _, c := range r.coupons {
		if billing.NormalizeCouponKey(c.RedemptionKey) == key {
			c := c
			return &c, nil
		}
	}
	return nil, fmt.Errorf("coupon %q: %w", key, billing.ErrNotFound)
}

func (r *Repository) CountRedemptions(ctx context.Context, couponID int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.subscriptions {
		for _, cr := range s.CouponRedemptions {
			if cr.Coupon != nil && cr.Coupon.ID == couponID {
				n++
			}
		}
	}
	return n, nil
}

func (r *Repository) GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d: %w", id, billing.ErrNotFound)
	}
	return r.load(s)
}

// load returns a caller-owned copy with the current plan attached
func (r *Repository) load(stored *billing.Subscription) (*billing.Subscription, error) {
	sub := cloneSubscription(stored)
	if stored.Plan != nil {
		plan, err := r.plan(stored.Plan.ID)
		if err != nil {
			return nil, err
		}
		sub.Plan = plan
	}
	return sub, nil
}

// SaveSubscription stores sub and txns together. IDs are assigned on the
// caller's values; nothing is written if validation fails.
func (r *Repository) SaveSubscription(ctx context.Context, sub *billing.Subscription, txns ...*billing.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.Plan == nil {
		return fmt.Errorf("subscription has no plan")
	}
	if _, ok := r.plans[sub.Plan.ID]; !ok {
		return fmt.Errorf("plan %d: %w", sub.Plan.ID, billing.ErrNotFound)
	}
	if sub.ID != 0 {
		if _, ok := r.subscriptions[sub.ID]; !ok {
			return fmt.Errorf("subscription %d: %w", sub.ID, billing.ErrNotFound)
		}
	}
	for _, cr := range sub.CouponRedemptions {
		if cr.Coupon == nil {
			return fmt.Errorf("coupon redemption has no coupon")
		}
		if _, ok := r.coupons[cr.Coupon.ID]; !ok {
			return fmt.Errorf("coupon %d: %w", cr.Coupon.ID, billing.ErrNotFound)
		}
	}

	if sub.ID == 0 {
		sub.ID = r.id()
	}
	if sub.CreditCard != nil && sub.CreditCard.ID == 0 {
		sub.CreditCard.ID = r.id()
	}
	for i := range sub.CouponRedemptions {
		cr := &sub.CouponRedemptions[i]
		if cr.ID == 0 {
			cr.ID = r.id()
		}
		cr.SubscriptionID = sub.ID
	}
	r.subscriptions[sub.ID] = cloneSubscription(sub)

	for _, txn := range txns {
		txn.SubscriptionID = sub.ID
		if txn.ID == 0 {
			txn.ID = r.id()
			r.txnOrder = append(r.txnOrder, txn.ID)
		}
		r.transactions[txn.ID] = *txn
	}
	return nil
}

func (r *Repository) DeleteSubscription(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscriptions[id]; !ok {
		return fmt.Errorf("subscription %d: %w", id, billing.ErrNotFound)
	}
	delete(r.subscriptions, id)
	return nil
}

func (r *Repository) RecordChange(ctx context.Context, change *billing.SubscriptionChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	change.ID = r.id()
	r.changes = append(r.changes, *change)
	return nil
}

func (r *Repository) find(keep func(*billing.Subscription) bool) ([]*billing.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.subscriptions))
	for id, s := range r.subscriptions {
		plan, ok := r.plans[s.Plan.ID]
		if !ok || plan.Rate <= 0 {
			continue
		}
		if keep(s) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*billing.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := r.load(r.subscriptions[id])
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (r *Repository) FindBillable(ctx context.Context, today billing.Date) ([]*billing.Subscription, error) {
	return r.find(func(s *billing.Subscription) bool {
		return !s.PaidThrough.After(today)
	})
}

func (r *Repository) FindExpired(ctx context.Context, today billing.Date) ([]*billing.Subscription, error) {
	return r.find(func(s *billing.Subscription) bool {
		return s.ExpireOn != nil && !s.ExpireOn.After(today)
	})
}

func (r *Repository) FindTrialEndingSoon(ctx context.Context, cutoff billing.Date) ([]*billing.Subscription, error) {
	return r.find(func(s *billing.Subscription) bool {
		return s.InTrial && !s.SentTrialEndsWarning && !s.PaidThrough.After(cutoff)
	})
}

func (r *Repository) FindUncredited(ctx context.Context) ([]*billing.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*billing.Transaction
	for _, id := range r.txnOrder {
		txn := r.transactions[id]
		if txn.Success && !txn.Credited {
			out = append(out, &txn)
		}
	}
	return out, nil
}

// Transactions returns every transaction recorded for a subscription in
// insertion order
func (r *Repository) Transactions(subscriptionID int64) []billing.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []billing.Transaction
	for _, id := range r.txnOrder {
		if txn := r.transactions[id]; txn.SubscriptionID == subscriptionID {
			out = append(out, txn)
		}
	}
	return out
}

// Changes returns the audit trail in insertion order
func (r *Repository) Changes() []billing.SubscriptionChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]billing.SubscriptionChange, len(r.changes))
	copy(out, r.changes)
	return out
}

func cloneSubscription(s *billing.Subscription) *billing.Subscription {
	c := *s
	c.Transactions = nil
	if s.Subscribable != nil {
		c.Subscribable = billing.Owner{
			ID:    s.Subscribable.SubscribableID(),
			Type:  s.Subscribable.SubscribableType(),
			Email: s.Subscribable.NotificationAddress(),
		}
	}
	if s.Plan != nil {
		p := *s.Plan
		c.Plan = &p
	}
	if s.ExpireOn != nil {
		d := *s.ExpireOn
		c.ExpireOn = &d
	}
	if s.LastTransactionAt != nil {
		t := *s.LastTransactionAt
		c.LastTransactionAt = &t
	}
	if s.CreditCard != nil {
		c.CreditCard = cloneCard(s.CreditCard)
	}
	if s.CouponRedemptions != nil {
		c.CouponRedemptions = make([]billing.CouponRedemption, len(s.CouponRedemptions))
		for i, cr := range s.CouponRedemptions {
			if cr.Coupon != nil {
				coupon := *cr.Coupon
				cr.Coupon = &coupon
			}
			if cr.ExpiredOn != nil {
				d := *cr.ExpiredOn
				cr.ExpiredOn = &d
			}
			c.CouponRedemptions[i] = cr
		}
	}
	return &c
}

// cloneCard keeps only the persisted card fields
func cloneCard(card *creditcard.Card) *creditcard.Card {
	return &creditcard.Card{
		ID:             card.ID,
		DisplayNumber:  card.DisplayNumber,
		CardType:       card.CardType,
		ExpirationDate: card.ExpirationDate,
		BillingKey:     card.BillingKey,
		ZipCode:        card.ZipCode,
	}
}
