package billing

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/freemium/pkg/creditcard"
	"github.com/platinummonkey/freemium/pkg/gateway"
)

// fakeRepo is an in-memory Repository. Subscriptions are returned by
// pointer so tests can inspect what the engine wrote.
type fakeRepo struct {
	mu            sync.Mutex
	nextID        int64
	plans         map[int64]*Plan
	coupons       map[string]*Coupon
	redemptions   map[int64]int
	subscriptions map[int64]*Subscription
	transactions  map[int64]*Transaction
	changes       []*SubscriptionChange

	saveErr         func(sub *Subscription) error
	recordChangeErr error
	findBillableErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		plans:         make(map[int64]*Plan),
		coupons:       make(map[string]*Coupon),
		redemptions:   make(map[int64]int),
		subscriptions: make(map[int64]*Subscription),
		transactions:  make(map[int64]*Transaction),
	}
}

func (r *fakeRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *fakeRepo) addPlan(p *Plan) *Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == 0 {
		p.ID = r.id()
	}
	r.plans[p.ID] = p
	return p
}

func (r *fakeRepo) addCoupon(c *Coupon) *Coupon {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == 0 {
		c.ID = r.id()
	}
	r.coupons[NormalizeCouponKey(c.RedemptionKey)] = c
	return c
}

func (r *fakeRepo) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plans[id]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) GetPlanByKey(ctx context.Context, key string) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		if p.Key == key {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) FindCouponByKey(ctx context.Context, key string) (*Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.coupons[key]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) CountRedemptions(ctx context.Context, couponID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redemptions[couponID], nil
}

func (r *fakeRepo) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subscriptions[id]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) SaveSubscription(ctx context.Context, sub *Subscription, txns ...*Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saveErr != nil {
		if err := r.saveErr(sub); err != nil {
			return err
		}
	}
	if sub.ID == 0 {
		sub.ID = r.id()
	}
	for i := range sub.CouponRedemptions {
		cr := &sub.CouponRedemptions[i]
		if cr.ID == 0 {
			cr.ID = r.id()
			cr.SubscriptionID = sub.ID
			r.redemptions[cr.Coupon.ID]++
		}
	}
	r.subscriptions[sub.ID] = sub
	for _, txn := range txns {
		if txn.ID == 0 {
			txn.ID = r.id()
		}
		txn.SubscriptionID = sub.ID
		copied := *txn
		r.transactions[txn.ID] = &copied
	}
	return nil
}

func (r *fakeRepo) DeleteSubscription(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscriptions[id]; !ok {
		return ErrNotFound
	}
	delete(r.subscriptions, id)
	return nil
}

func (r *fakeRepo) RecordChange(ctx context.Context, change *SubscriptionChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordChangeErr != nil {
		return r.recordChangeErr
	}
	change.ID = r.id()
	r.changes = append(r.changes, change)
	return nil
}

func (r *fakeRepo) sorted(keep func(*Subscription) bool) []*Subscription {
	var out []*Subscription
	for _, s := range r.subscriptions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeRepo) FindBillable(ctx context.Context, today Date) ([]*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findBillableErr != nil {
		return nil, r.findBillableErr
	}
	return r.sorted(func(s *Subscription) bool {
		return !s.Plan.IsFree() && !s.PaidThrough.After(today)
	}), nil
}

func (r *fakeRepo) FindExpired(ctx context.Context, today Date) ([]*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(s *Subscription) bool {
		return !s.Plan.IsFree() && s.ExpireOn != nil && !s.ExpireOn.After(today)
	}), nil
}

func (r *fakeRepo) FindTrialEndingSoon(ctx context.Context, cutoff Date) ([]*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(s *Subscription) bool {
		return !s.Plan.IsFree() && s.InTrial && !s.SentTrialEndsWarning && !s.PaidThrough.After(cutoff)
	}), nil
}

func (r *fakeRepo) FindUncredited(ctx context.Context) ([]*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Transaction
	for _, txn := range r.transactions {
		if txn.Success && !txn.Credited {
			copied := *txn
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) changeReasons() []ChangeReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeReason, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Reason
	}
	return out
}

// recordingNotifier remembers what was sent
type recordingNotifier struct {
	mu       sync.Mutex
	sent     []string
	failWith error
	admin    [][]*Transaction
}

func (n *recordingNotifier) record(kind string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, kind)
	return n.failWith
}

func (n *recordingNotifier) PaymentReceipt(ctx context.Context, sub *Subscription, txn *Transaction) error {
	return n.record("receipt")
}

func (n *recordingNotifier) ExpirationWarning(ctx context.Context, sub *Subscription) error {
	return n.record("warning")
}

func (n *recordingNotifier) ExpirationNotice(ctx context.Context, sub *Subscription) error {
	return n.record("notice")
}

func (n *recordingNotifier) TrialEndsSoonWarning(ctx context.Context, sub *Subscription) error {
	return n.record("trial")
}

func (n *recordingNotifier) AdminReport(ctx context.Context, recipients []string, txns []*Transaction) error {
	n.mu.Lock()
	n.admin = append(n.admin, txns)
	n.mu.Unlock()
	return n.record("admin")
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	copy(out, n.sent)
	return out
}

type fixture struct {
	repo     *fakeRepo
	gateway  *gateway.Test
	notifier *recordingNotifier
	clock    *FixedClock
	engine   *Engine

	free    *Plan
	basic   *Plan
	premium *Plan
}

var day0 = MustParseDate("2024-03-15")

func newFixture(t *testing.T, mutate ...func(*Settings)) *fixture {
	t.Helper()

	settings := DefaultSettings()
	settings.GraceDays = 2
	settings.ExpiredPlanKey = "free"
	settings.AdminReportRecipients = []string{"billing@example.com"}
	for _, m := range mutate {
		m(&settings)
	}

	f := &fixture{
		repo:     newFakeRepo(),
		gateway:  gateway.NewTest(),
		notifier: &recordingNotifier{},
		clock:    NewFixedClockOn(day0),
	}
	f.free = f.repo.addPlan(&Plan{Key: "free", Name: "Free", Rate: 0})
	f.basic = f.repo.addPlan(&Plan{Key: "basic", Name: "Basic", Rate: 1000})
	f.premium = f.repo.addPlan(&Plan{Key: "premium", Name: "Premium", Rate: 2500})
	f.engine = NewEngine(f.repo, f.gateway, f.notifier, f.clock, settings, nil)
	return f
}

func validCard() *creditcard.Card {
	return &creditcard.Card{
		Number:            "4111111111111111",
		CardType:          creditcard.Visa,
		FirstName:         "Ada",
		LastName:          "Lovelace",
		Month:             12,
		Year:              2030,
		VerificationValue: "123",
		ZipCode:           "94110",
	}
}

func owner(id int64) Owner {
	return Owner{ID: id, Type: "User", Email: "owner@example.com"}
}

// subscribe creates a paid subscription with a stored card
func (f *fixture) subscribe(t *testing.T, plan *Plan) *Subscription {
	t.Helper()
	sub, err := f.engine.Create(context.Background(), CreateRequest{
		Subscribable: owner(int64(len(f.repo.subscriptions) + 1)),
		Plan:         plan,
		CreditCard:   validCard(),
	})
	require.NoError(t, err)
	return sub
}
