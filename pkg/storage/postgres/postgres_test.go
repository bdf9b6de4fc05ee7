package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/freemium/pkg/billing"
	"github.com/platinummonkey/freemium/pkg/creditcard"
)

var (
	day      = billing.MustParseDate("2024-03-15")
	subCols  = []string{"id", "subscribable_id", "subscribable_type", "notification_address", "paid_through", "expire_on", "started_on", "last_transaction_at", "in_trial", "sent_trial_ends_warning", "p.id", "key", "name", "rate_cents", "feature_set_id", "yearly", "c.id", "display_number", "billing_key", "card_type", "expiration_date", "zip_code"}
	redCols  = []string{"id", "subscription_id", "redeemed_on", "expired_on", "c.id", "description", "discount_percentage", "redemption_key", "redemption_limit", "redemption_expiration", "duration_in_months"}
	planCols = []string{"id", "key", "name", "rate_cents", "feature_set_id", "yearly"}
)

func newMock(t *testing.T, opts ...Option) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewRepository(db, opts...), mock
}

func q(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func TestGetPlan_UsesCache(t *testing.T) {
	cache := NewPlanCache(8, time.Minute)
	repo, mock := newMock(t, WithPlanCache(cache))

	mock.ExpectQuery(q("FROM freemium_subscription_plans WHERE id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(planCols).AddRow(2, "basic", "Basic", 1000, "std", false))

	for i := 0; i < 3; i++ {
		plan, err := repo.GetPlan(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, billing.Money(1000), plan.Rate)
		assert.Equal(t, "std", plan.FeatureSetID)
	}

	// the key index was filled by the ID lookup
	plan, err := repo.GetPlanByKey(context.Background(), "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(2), plan.ID)

	stats := repo.PlanCacheStats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGetPlan_ReadsFromReplica(t *testing.T) {
	replica, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	defer replica.Close()

	repo, _ := newMock(t, WithReplica(replica))
	replicaMock.ExpectQuery(q("WHERE key = $1")).
		WithArgs("free").
		WillReturnRows(sqlmock.NewRows(planCols).AddRow(1, "free", "Free", 0, nil, false))

	plan, err := repo.GetPlanByKey(context.Background(), "free")
	require.NoError(t, err)
	assert.True(t, plan.IsFree())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestGetPlan_NotFound(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(q("WHERE id = $1")).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetPlan(context.Background(), 9)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestSavePlan_PurgesCache(t *testing.T) {
	cache := NewPlanCache(8, time.Minute)
	cache.Add(&billing.Plan{ID: 2, Key: "basic", Rate: 1000})
	repo, mock := newMock(t, WithPlanCache(cache))

	mock.ExpectExec(q("UPDATE freemium_subscription_plans")).
		WithArgs(int64(2), "basic", "Basic", int64(1200), sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SavePlan(context.Background(), &billing.Plan{ID: 2, Key: "basic", Name: "Basic", Rate: 1200}))
	_, ok := cache.Get(2)
	assert.False(t, ok)
}

func TestFindCouponByKey(t *testing.T) {
	repo, mock := newMock(t)
	cols := redCols[4:]
	mock.ExpectQuery(q("WHERE LOWER(c.redemption_key) = $1")).
		WithArgs("spring").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(4, "Spring sale", 25, "Spring", 100, "2024-06-30", nil))

	c, err := repo.FindCouponByKey(context.Background(), "  SPRING ")
	require.NoError(t, err)
	assert.Equal(t, 25, c.DiscountPercentage)
	require.NotNil(t, c.RedemptionLimit)
	assert.Equal(t, 100, *c.RedemptionLimit)
	require.NotNil(t, c.RedemptionExpiration)
	assert.Equal(t, "2024-06-30", c.RedemptionExpiration.String())
	assert.Nil(t, c.DurationInMonths)
}

func TestCountRedemptions(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(q("SELECT COUNT(*) FROM freemium_coupon_redemptions")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := repo.CountRedemptions(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestGetSubscription(t *testing.T) {
	repo, mock := newMock(t)
	expires := time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(q("WHERE s.id = $1")).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(subCols).AddRow(
			10, 77, "User", "owner@example.com",
			day.Time(), day.AddDays(2).Time(), day.AddDays(-30).Time(), nil,
			false, false,
			2, "basic", "Basic", 1000, nil, false,
			5, "1111", "key-1", "visa", expires, "94110",
		))
	mock.ExpectQuery(q("WHERE r.subscription_id = ANY($1)")).
		WillReturnRows(sqlmock.NewRows(redCols).AddRow(
			30, 10, day.AddDays(-10).Time(), nil,
			4, "Spring", 25, "spring", nil, nil, 3,
		))

	sub, err := repo.GetSubscription(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, "owner@example.com", sub.NotificationAddress())
	assert.Equal(t, int64(77), sub.Subscribable.SubscribableID())
	assert.Equal(t, day, sub.PaidThrough)
	require.NotNil(t, sub.ExpireOn)
	assert.Equal(t, day.AddDays(2), *sub.ExpireOn)
	assert.Nil(t, sub.LastTransactionAt)
	assert.Equal(t, "basic", sub.Plan.Key)
	require.NotNil(t, sub.CreditCard)
	assert.Equal(t, "key-1", sub.BillingKey())
	assert.Equal(t, "Visa 1111", sub.CreditCard.Description())

	require.Len(t, sub.CouponRedemptions, 1)
	cr := sub.CouponRedemptions[0]
	assert.Nil(t, cr.ExpiredOn)
	require.NotNil(t, cr.Coupon.DurationInMonths)
	assert.Equal(t, 3, *cr.Coupon.DurationInMonths)
	assert.Equal(t, billing.Money(750), sub.Rate(day))
}

func TestGetSubscription_NotFound(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(q("WHERE s.id = $1")).WithArgs(int64(10)).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSubscription(context.Background(), 10)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestFinders_QueryPredicates(t *testing.T) {
	tests := []struct {
		name  string
		where string
		call  func(*Repository) ([]*billing.Subscription, error)
	}{
		{"billable", "s.paid_through <= $1", func(r *Repository) ([]*billing.Subscription, error) {
			return r.FindBillable(context.Background(), day)
		}},
		{"expired", "s.expire_on IS NOT NULL AND s.expire_on <= $1", func(r *Repository) ([]*billing.Subscription, error) {
			return r.FindExpired(context.Background(), day)
		}},
		{"trial ending", "s.in_trial AND NOT s.sent_trial_ends_warning AND s.paid_through <= $1", func(r *Repository) ([]*billing.Subscription, error) {
			return r.FindTrialEndingSoon(context.Background(), day.AddDays(5))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMock(t)
			mock.ExpectQuery(q("WHERE p.rate_cents > 0 AND " + tt.where + " ORDER BY s.id")).
				WillReturnRows(sqlmock.NewRows(subCols).
					AddRow(1, 1, "User", nil, day.Time(), nil, day.Time(), nil, false, false,
						2, "basic", "Basic", 1000, nil, false, nil, nil, nil, nil, nil, nil).
					AddRow(3, 2, "User", nil, day.Time(), nil, day.Time(), nil, true, false,
						2, "basic", "Basic", 1000, nil, false, nil, nil, nil, nil, nil, nil))
			mock.ExpectQuery(q("ANY($1)")).WillReturnRows(sqlmock.NewRows(redCols))

			subs, err := tt.call(repo)
			require.NoError(t, err)
			require.Len(t, subs, 2)
			assert.Equal(t, int64(1), subs[0].ID)
			assert.Nil(t, subs[0].CreditCard)
			assert.Equal(t, int64(3), subs[1].ID)
		})
	}
}

func TestFinders_NoRowsSkipsRedemptionQuery(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery(q("s.paid_through <= $1")).WillReturnRows(sqlmock.NewRows(subCols))

	subs, err := repo.FindBillable(context.Background(), day)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestFindUncredited(t *testing.T) {
	repo, mock := newMock(t)
	created := time.Date(2024, 3, 15, 3, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q("WHERE success AND NOT credited")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_id", "success", "billing_key", "amount_cents", "message", "credited", "credit_card", "created_at"}).
			AddRow(8, 10, true, "key-1", 1000, nil, false, "Visa 1111", created))

	txns, err := repo.FindUncredited(context.Background())
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, billing.Money(1000), txns[0].Amount)
	assert.Equal(t, "Visa 1111", txns[0].CardDescription)
	assert.Equal(t, created, txns[0].CreatedAt)
}

func newSubscription() *billing.Subscription {
	return &billing.Subscription{
		Subscribable: billing.Owner{ID: 77, Type: "User", Email: "owner@example.com"},
		Plan:         &billing.Plan{ID: 2, Key: "basic", Rate: 1000},
		PaidThrough:  day,
		StartedOn:    day,
		CreditCard: &creditcard.Card{
			DisplayNumber: "1111", BillingKey: "key-1", CardType: "visa",
			ExpirationDate: time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		CouponRedemptions: []billing.CouponRedemption{
			{Coupon: &billing.Coupon{ID: 4}, RedeemedOn: day},
		},
	}
}

func idRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"}).AddRow(id)
}

func TestSaveSubscription_InsertsEverythingInOneTransaction(t *testing.T) {
	repo, mock := newMock(t)
	sub := newSubscription()
	txn := &billing.Transaction{Success: true, BillingKey: "key-1", Amount: 1000, CardDescription: "Visa 1111"}

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO freemium_credit_cards")).
		WithArgs("1111", "key-1", "visa", sqlmock.AnyArg(), "").
		WillReturnRows(idRow(5))
	mock.ExpectQuery(q("INSERT INTO freemium_subscriptions")).
		WithArgs(int64(77), "User", "owner@example.com", int64(5), int64(2),
			day.Time(), nil, day.Time(), nil, false, false).
		WillReturnRows(idRow(10))
	mock.ExpectQuery(q("INSERT INTO freemium_coupon_redemptions")).
		WithArgs(int64(10), int64(4), day.Time(), nil).
		WillReturnRows(idRow(30))
	mock.ExpectQuery(q("INSERT INTO freemium_transactions")).
		WithArgs(int64(10), true, "key-1", int64(1000), "", false, "Visa 1111", sqlmock.AnyArg()).
		WillReturnRows(idRow(8))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveSubscription(context.Background(), sub, txn))
	assert.Equal(t, int64(10), sub.ID)
	assert.Equal(t, int64(5), sub.CreditCard.ID)
	assert.Equal(t, int64(30), sub.CouponRedemptions[0].ID)
	assert.Equal(t, int64(10), sub.CouponRedemptions[0].SubscriptionID)
	assert.Equal(t, int64(8), txn.ID)
	assert.Equal(t, int64(10), txn.SubscriptionID)
	assert.False(t, txn.CreatedAt.IsZero())
}

func TestSaveSubscription_UpdatesExistingRows(t *testing.T) {
	repo, mock := newMock(t)
	sub := newSubscription()
	sub.ID = 10
	sub.CreditCard.ID = 5
	sub.CouponRedemptions[0].ID = 30
	expire := day.AddDays(2)
	sub.ExpireOn = &expire
	txn := &billing.Transaction{ID: 8, Success: true, Message: "Paid through 2024-04-15", Credited: true}

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE freemium_credit_cards")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE freemium_subscriptions")).
		WithArgs(int64(10), int64(77), "User", "owner@example.com", int64(5), int64(2),
			day.Time(), expire.Time(), day.Time(), nil, false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE freemium_coupon_redemptions SET expired_on = $2")).
		WithArgs(int64(30), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE freemium_transactions SET message = $2, credited = $3")).
		WithArgs(int64(8), "Paid through 2024-04-15", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveSubscription(context.Background(), sub, txn))
}

func TestSaveSubscription_MissingRowIsNotFound(t *testing.T) {
	repo, mock := newMock(t)
	sub := newSubscription()
	sub.ID = 10
	sub.CreditCard = nil
	sub.CouponRedemptions = nil

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE freemium_subscriptions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SaveSubscription(context.Background(), sub)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestSaveSubscription_RollbackResetsAssignedIDs(t *testing.T) {
	repo, mock := newMock(t)
	sub := newSubscription()
	txn := &billing.Transaction{Success: false, Amount: 1000}

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO freemium_credit_cards")).WillReturnRows(idRow(5))
	mock.ExpectQuery(q("INSERT INTO freemium_subscriptions")).WillReturnRows(idRow(10))
	mock.ExpectQuery(q("INSERT INTO freemium_coupon_redemptions")).WillReturnRows(idRow(30))
	mock.ExpectQuery(q("INSERT INTO freemium_transactions")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.SaveSubscription(context.Background(), sub, txn)
	require.ErrorContains(t, err, "disk full")
	assert.Zero(t, sub.ID)
	assert.Zero(t, sub.CreditCard.ID)
	assert.Zero(t, sub.CouponRedemptions[0].ID)
	assert.Zero(t, txn.ID)
}

func TestDeleteSubscription(t *testing.T) {
	t.Run("removes card and redemptions", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("DELETE FROM freemium_coupon_redemptions")).WithArgs(int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(q("DELETE FROM freemium_subscriptions WHERE id = $1 RETURNING credit_card_id")).
			WithArgs(int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"credit_card_id"}).AddRow(5))
		mock.ExpectExec(q("DELETE FROM freemium_credit_cards")).WithArgs(int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.DeleteSubscription(context.Background(), 10))
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("DELETE FROM freemium_coupon_redemptions")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("DELETE FROM freemium_subscriptions")).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		assert.ErrorIs(t, repo.DeleteSubscription(context.Background(), 10), billing.ErrNotFound)
	})
}

func TestRecordChange(t *testing.T) {
	repo, mock := newMock(t)
	from, to := int64(2), int64(1)
	change := &billing.SubscriptionChange{
		SubscribableID: 77, SubscribableType: "User", Reason: billing.ReasonExpiration,
		OriginalPlanID: &from, NewPlanID: &to, OriginalRate: 1000,
	}

	mock.ExpectQuery(q("INSERT INTO freemium_subscription_changes")).
		WithArgs(int64(77), "User", int64(2), int64(1), int64(1000), int64(0), "expiration", sqlmock.AnyArg()).
		WillReturnRows(idRow(40))

	require.NoError(t, repo.RecordChange(context.Background(), change))
	assert.Equal(t, int64(40), change.ID)
	assert.False(t, change.CreatedAt.IsZero())
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	repo := NewRepository(db)
	assert.ErrorContains(t, repo.HealthCheck(context.Background()), "postgres unhealthy")
	assert.NoError(t, repo.Close())
}
