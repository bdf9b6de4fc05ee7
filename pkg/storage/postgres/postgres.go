package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/freemium/pkg/billing"
	"github.com/platinummonkey/freemium/pkg/creditcard"
	"github.com/platinummonkey/freemium/pkg/observability"
	"github.com/platinummonkey/freemium/pkg/storage"
)

// Repository implements billing.Repository on PostgreSQL.
//
// Subscription reads and writes always use the primary. Plans and coupons
// may be read from a replica: a stale catalog only delays a price change,
// while a stale paid-through date would bill a customer twice.
type Repository struct {
	db      *sql.DB
	catalog *sql.DB
	plans   *PlanCache
	logger  *observability.Logger
	conns   *ConnectionManager
}

var _ storage.Store = (*Repository)(nil)

// Option configures a Repository
type Option func(*Repository)

// WithReplica reads the plan and coupon catalog from db
func WithReplica(db *sql.DB) Option {
	return func(r *Repository) { r.catalog = db }
}

// WithPlanCache caches plan lookups
func WithPlanCache(cache *PlanCache) Option {
	return func(r *Repository) { r.plans = cache }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// NewRepository creates a repository over an open primary connection
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: db, catalog: db, logger: observability.NewDiscardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open connects using cfg and returns a repository that owns the
// connections
func Open(cfg storage.Config, logger *observability.Logger) (*Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type != storage.TypePostgres {
		return nil, fmt.Errorf("storage type %q is not postgres", cfg.Type)
	}

	conns, err := NewConnectionManager(ConnectionConfigFrom(cfg), logger)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithReplica(conns.Replica())}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	if cfg.PlanCacheSize > 0 {
		opts = append(opts, WithPlanCache(NewPlanCache(cfg.PlanCacheSize, cfg.PlanCacheTTL)))
	}

	r := NewRepository(conns.Primary(), opts...)
	r.conns = conns
	return r, nil
}

// DB returns the primary connection for health checks
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Connections returns the connection manager when the repository was
// created by Open
func (r *Repository) Connections() *ConnectionManager {
	return r.conns
}

// PlanCacheStats reports plan cache effectiveness; zero without a cache
func (r *Repository) PlanCacheStats() CacheStats {
	if r.plans == nil {
		return CacheStats{}
	}
	return r.plans.Stats()
}

// Close closes connections opened by Open
func (r *Repository) Close() error {
	if r.conns != nil {
		return r.conns.Close()
	}
	return nil
}

// HealthCheck pings the primary and any replicas
func (r *Repository) HealthCheck(ctx context.Context) error {
	if r.conns != nil {
		return r.conns.HealthCheck(ctx)
	}
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	return nil
}

const planColumns = `id, key, name, rate_cents, feature_set_id, yearly`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*billing.Plan, error) {
	var (
		p         billing.Plan
		featureID sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Key, &p.Name, &p.Rate, &featureID, &p.Yearly); err != nil {
		return nil, err
	}
	p.FeatureSetID = featureID.String
	return &p, nil
}

func (r *Repository) GetPlan(ctx context.Context, id int64) (*billing.Plan, error) {
	if r.plans != nil {
		if p, ok := r.plans.Get(id); ok {
			return p, nil
		}
	}

	query := `SELECT ` + planColumns + ` FROM freemium_subscription_plans WHERE id = $1`
	p, err := scanPlan(r.catalog.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %d: %w", id, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get plan %d: %w", id, err)
	}

	if r.plans != nil {
		r.plans.Add(p)
	}
	return p, nil
}

func (r *Repository) GetPlanByKey(ctx context.Context, key string) (*billing.Plan, error) {
	if r.plans != nil {
		if p, ok := r.plans.GetByKey(key); ok {
			return p, nil
		}
	}

	query := `SELECT ` + planColumns + ` FROM freemium_subscription_plans WHERE key = $1`
	p, err := scanPlan(r.catalog.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %q: %w", key, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get plan %q: %w", key, err)
	}

	if r.plans != nil {
		r.plans.Add(p)
	}
	return p, nil
}

// SavePlan inserts or updates a plan in the catalog and drops cached plans
func (r *Repository) SavePlan(ctx context.Context, plan *billing.Plan) error {
	featureID := sql.NullString{String: plan.FeatureSetID, Valid: plan.FeatureSetID != ""}

	var err error
	if plan.ID == 0 {
		err = r.db.QueryRowContext(ctx, `
			INSERT INTO freemium_subscription_plans (key, name, rate_cents, feature_set_id, yearly)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE
			SET name = EXCLUDED.name, rate_cents = EXCLUDED.rate_cents,
			    feature_set_id = EXCLUDED.feature_set_id, yearly = EXCLUDED.yearly
			RETURNING id
		`, plan.Key, plan.Name, plan.Rate, featureID, plan.Yearly).Scan(&plan.ID)
	} else {
		err = r.execOne(ctx, r.db, `
			UPDATE freemium_subscription_plans
			SET key = $2, name = $3, rate_cents = $4, feature_set_id = $5, yearly = $6
			WHERE id = $1
		`, plan.ID, plan.Key, plan.Name, plan.Rate, featureID, plan.Yearly)
	}
	if err != nil {
		return fmt.Errorf("failed to save plan %q: %w", plan.Key, err)
	}

	if r.plans != nil {
		r.plans.Purge()
	}
	return nil
}

const couponColumns = `c.id, c.description, c.discount_percentage, c.redemption_key,
	c.redemption_limit, c.redemption_expiration, c.duration_in_months`

// couponDest holds the nullable coupon columns while scanning
type couponDest struct {
	coupon   billing.Coupon
	limit    sql.NullInt64
	duration sql.NullInt64
}

func (d *couponDest) targets() []interface{} {
	return []interface{}{
		&d.coupon.ID, &d.coupon.Description, &d.coupon.DiscountPercentage, &d.coupon.RedemptionKey,
		&d.limit, &d.coupon.RedemptionExpiration, &d.duration,
	}
}

func (d *couponDest) result() *billing.Coupon {
	c := d.coupon
	c.RedemptionLimit = nullInt(d.limit)
	c.DurationInMonths = nullInt(d.duration)
	return &c
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func intArg(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func (r *Repository) FindCouponByKey(ctx context.Context, key string) (*billing.Coupon, error) {
	key = billing.NormalizeCouponKey(key)
	query := `SELECT ` + couponColumns + ` FROM freemium_coupons c WHERE LOWER(c.redemption_key) = $1`

	var d couponDest
	err := r.catalog.QueryRowContext(ctx, query, key).Scan(d.targets()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("coupon %q: %w", key, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to find coupon %q: %w", key, err)
	}
	return d.result(), nil
}

// SaveCoupon inserts or updates a coupon
func (r *Repository) SaveCoupon(ctx context.Context, coupon *billing.Coupon) error {
	args := []interface{}{
		coupon.Description, coupon.DiscountPercentage, coupon.RedemptionKey,
		intArg(coupon.RedemptionLimit), coupon.RedemptionExpiration, intArg(coupon.DurationInMonths),
	}

	var err error
	if coupon.ID == 0 {
		err = r.db.QueryRowContext(ctx, `
			INSERT INTO freemium_coupons
				(description, discount_percentage, redemption_key, redemption_limit,
				 redemption_expiration, duration_in_months)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, args...).Scan(&coupon.ID)
	} else {
		err = r.execOne(ctx, r.db, `
			UPDATE freemium_coupons
			SET description = $2, discount_percentage = $3, redemption_key = $4,
			    redemption_limit = $5, redemption_expiration = $6, duration_in_months = $7
			WHERE id = $1
		`, append([]interface{}{coupon.ID}, args...)...)
	}
	if err != nil {
		return fmt.Errorf("failed to save coupon %q: %w", coupon.RedemptionKey, err)
	}
	return nil
}

// CountRedemptions counts on the primary so a limit is checked against
// redemptions made moments ago
func (r *Repository) CountRedemptions(ctx context.Context, couponID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM freemium_coupon_redemptions WHERE coupon_id = $1`, couponID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count redemptions of coupon %d: %w", couponID, err)
	}
	return n, nil
}

const subscriptionSelect = `
	SELECT s.id, s.subscribable_id, s.subscribable_type, s.notification_address,
	       s.paid_through, s.expire_on, s.started_on, s.last_transaction_at,
	       s.in_trial, s.sent_trial_ends_warning,
	       p.id, p.key, p.name, p.rate_cents, p.feature_set_id, p.yearly,
	       c.id, c.display_number, c.billing_key, c.card_type, c.expiration_date, c.zip_code
	FROM freemium_subscriptions s
	JOIN freemium_subscription_plans p ON p.id = s.subscription_plan_id
	LEFT JOIN freemium_credit_cards c ON c.id = s.credit_card_id
`

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		sub       billing.Subscription
		owner     billing.Owner
		email     sql.NullString
		lastTxn   sql.NullTime
		plan      billing.Plan
		featureID sql.NullString

		cardID      sql.NullInt64
		cardDisplay sql.NullString
		cardKey     sql.NullString
		cardType    sql.NullString
		cardExpires sql.NullTime
		cardZip     sql.NullString
	)

	err := row.Scan(
		&sub.ID, &owner.ID, &owner.Type, &email,
		&sub.PaidThrough, &sub.ExpireOn, &sub.StartedOn, &lastTxn,
		&sub.InTrial, &sub.SentTrialEndsWarning,
		&plan.ID, &plan.Key, &plan.Name, &plan.Rate, &featureID, &plan.Yearly,
		&cardID, &cardDisplay, &cardKey, &cardType, &cardExpires, &cardZip,
	)
	if err != nil {
		return nil, err
	}

	owner.Email = email.String
	sub.Subscribable = owner
	plan.FeatureSetID = featureID.String
	sub.Plan = &plan
	if lastTxn.Valid {
		t := lastTxn.Time
		sub.LastTransactionAt = &t
	}
	if cardID.Valid {
		sub.CreditCard = &creditcard.Card{
			ID:             cardID.Int64,
			DisplayNumber:  cardDisplay.String,
			BillingKey:     cardKey.String,
			CardType:       cardType.String,
			ExpirationDate: cardExpires.Time,
			ZipCode:        cardZip.String,
		}
	}
	return &sub, nil
}

func (r *Repository) GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRowContext(ctx, subscriptionSelect+` WHERE s.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %d: %w", id, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get subscription %d: %w", id, err)
	}

	if err := r.attachRedemptions(ctx, []*billing.Subscription{sub}); err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Repository) findSubscriptions(ctx context.Context, where string, args ...interface{}) ([]*billing.Subscription, error) {
	query := subscriptionSelect + ` WHERE p.rate_cents > 0 AND ` + where + ` ORDER BY s.id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	if err := r.attachRedemptions(ctx, subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// attachRedemptions loads the coupon redemptions of subs in one query
func (r *Repository) attachRedemptions(ctx context.Context, subs []*billing.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	byID := make(map[int64]*billing.Subscription, len(subs))
	ids := make([]int64, 0, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	query := `
		SELECT r.id, r.subscription_id, r.redeemed_on, r.expired_on, ` + couponColumns + `
		FROM freemium_coupon_redemptions r
		JOIN freemium_coupons c ON c.id = r.coupon_id
		WHERE r.subscription_id = ANY($1)
		ORDER BY r.id
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query coupon redemptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cr billing.CouponRedemption
			d  couponDest
		)
		targets := append([]interface{}{&cr.ID, &cr.SubscriptionID, &cr.RedeemedOn, &cr.ExpiredOn}, d.targets()...)
		if err := rows.Scan(targets...); err != nil {
			return fmt.Errorf("failed to scan coupon redemption: %w", err)
		}
		cr.Coupon = d.result()
		if s, ok := byID[cr.SubscriptionID]; ok {
			s.CouponRedemptions = append(s.CouponRedemptions, cr)
		}
	}
	return rows.Err()
}

func (r *Repository) FindBillable(ctx context.Context, today billing.Date) ([]*billing.Subscription, error) {
	return r.findSubscriptions(ctx, `s.paid_through <= $1`, today)
}

func (r *Repository) FindExpired(ctx context.Context, today billing.Date) ([]*billing.Subscription, error) {
	return r.findSubscriptions(ctx, `s.expire_on IS NOT NULL AND s.expire_on <= $1`, today)
}

func (r *Repository) FindTrialEndingSoon(ctx context.Context, cutoff billing.Date) ([]*billing.Subscription, error) {
	return r.findSubscriptions(ctx,
		`s.in_trial AND NOT s.sent_trial_ends_warning AND s.paid_through <= $1`, cutoff)
}

func (r *Repository) FindUncredited(ctx context.Context) ([]*billing.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subscription_id, success, billing_key, amount_cents, message,
		       credited, credit_card, created_at
		FROM freemium_transactions
		WHERE success AND NOT credited
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query uncredited transactions: %w", err)
	}
	defer rows.Close()

	var txns []*billing.Transaction
	for rows.Next() {
		var (
			txn  billing.Transaction
			key  sql.NullString
			msg  sql.NullString
			card sql.NullString
		)
		err := rows.Scan(&txn.ID, &txn.SubscriptionID, &txn.Success, &key, &txn.Amount,
			&msg, &txn.Credited, &card, &txn.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.BillingKey = key.String
		txn.Message = msg.String
		txn.CardDescription = card.String
		txns = append(txns, &txn)
	}
	return txns, rows.Err()
}

// SaveSubscription writes the card, the subscription, new or changed coupon
// redemptions and txns in one transaction. IDs assigned during a failed
// save are reset so the caller can retry.
func (r *Repository) SaveSubscription(ctx context.Context, sub *billing.Subscription, txns ...*billing.Transaction) error {
	if sub.Plan == nil {
		return fmt.Errorf("subscription has no plan")
	}

	var assigned []*int64
	assign := func(id *int64, value int64) {
		*id = value
		assigned = append(assigned, id)
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.saveCard(ctx, tx, sub, assign); err != nil {
			return err
		}
		if err := r.saveSubscriptionRow(ctx, tx, sub, assign); err != nil {
			return err
		}
		if err := r.saveRedemptions(ctx, tx, sub, assign); err != nil {
			return err
		}
		for _, txn := range txns {
			if err := r.saveTransaction(ctx, tx, sub.ID, txn, assign); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, id := range assigned {
			*id = 0
		}
		return err
	}

	for _, txn := range txns {
		txn.SubscriptionID = sub.ID
	}
	for i := range sub.CouponRedemptions {
		sub.CouponRedemptions[i].SubscriptionID = sub.ID
	}
	return nil
}

func (r *Repository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// execOne runs an UPDATE or DELETE expected to touch exactly one row
func (r *Repository) execOne(ctx context.Context, db execer, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (r *Repository) saveCard(ctx context.Context, tx *sql.Tx, sub *billing.Subscription, assign func(*int64, int64)) error {
	card := sub.CreditCard
	if card == nil {
		return nil
	}
	expires := sql.NullTime{Time: card.ExpirationDate, Valid: !card.ExpirationDate.IsZero()}

	if card.ID == 0 {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO freemium_credit_cards (display_number, billing_key, card_type, expiration_date, zip_code)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, card.DisplayNumber, card.BillingKey, card.CardType, expires, card.ZipCode).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert credit card: %w", err)
		}
		assign(&card.ID, id)
		return nil
	}

	err := r.execOne(ctx, tx, `
		UPDATE freemium_credit_cards
		SET display_number = $2, billing_key = $3, card_type = $4, expiration_date = $5, zip_code = $6
		WHERE id = $1
	`, card.ID, card.DisplayNumber, card.BillingKey, card.CardType, expires, card.ZipCode)
	if err != nil {
		return fmt.Errorf("failed to update credit card %d: %w", card.ID, err)
	}
	return nil
}

func (r *Repository) saveSubscriptionRow(ctx context.Context, tx *sql.Tx, sub *billing.Subscription, assign func(*int64, int64)) error {
	var (
		ownerID   int64
		ownerType string
		cardID    sql.NullInt64
	)
	if sub.Subscribable != nil {
		ownerID = sub.Subscribable.SubscribableID()
		ownerType = sub.Subscribable.SubscribableType()
	}
	if sub.CreditCard != nil {
		cardID = sql.NullInt64{Int64: sub.CreditCard.ID, Valid: true}
	}
	email := sql.NullString{String: sub.NotificationAddress(), Valid: sub.NotificationAddress() != ""}
	var lastTxn sql.NullTime
	if sub.LastTransactionAt != nil {
		lastTxn = sql.NullTime{Time: *sub.LastTransactionAt, Valid: true}
	}

	args := []interface{}{
		ownerID, ownerType, email, cardID, sub.Plan.ID,
		sub.PaidThrough, sub.ExpireOn, sub.StartedOn, lastTxn,
		sub.InTrial, sub.SentTrialEndsWarning,
	}

	if sub.ID == 0 {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO freemium_subscriptions
				(subscribable_id, subscribable_type, notification_address, credit_card_id,
				 subscription_plan_id, paid_through, expire_on, started_on, last_transaction_at,
				 in_trial, sent_trial_ends_warning)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`, args...).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert subscription: %w", err)
		}
		assign(&sub.ID, id)
		return nil
	}

	err := r.execOne(ctx, tx, `
		UPDATE freemium_subscriptions
		SET subscribable_id = $2, subscribable_type = $3, notification_address = $4,
		    credit_card_id = $5, subscription_plan_id = $6, paid_through = $7, expire_on = $8,
		    started_on = $9, last_transaction_at = $10, in_trial = $11, sent_trial_ends_warning = $12
		WHERE id = $1
	`, append([]interface{}{sub.ID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update subscription %d: %w", sub.ID, err)
	}
	return nil
}

func (r *Repository) saveRedemptions(ctx context.Context, tx *sql.Tx, sub *billing.Subscription, assign func(*int64, int64)) error {
	for i := range sub.CouponRedemptions {
		cr := &sub.CouponRedemptions[i]
		if cr.Coupon == nil {
			return fmt.Errorf("coupon redemption has no coupon")
		}

		if cr.ID == 0 {
			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO freemium_coupon_redemptions (subscription_id, coupon_id, redeemed_on, expired_on)
				VALUES ($1, $2, $3, $4)
				RETURNING id
			`, sub.ID, cr.Coupon.ID, cr.RedeemedOn, cr.ExpiredOn).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to insert redemption of coupon %d: %w", cr.Coupon.ID, err)
			}
			assign(&cr.ID, id)
			continue
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE freemium_coupon_redemptions SET expired_on = $2 WHERE id = $1`, cr.ID, cr.ExpiredOn)
		if err != nil {
			return fmt.Errorf("failed to update coupon redemption %d: %w", cr.ID, err)
		}
	}
	return nil
}

// saveTransaction appends a new transaction row. Existing rows only ever
// change their message and credited flag.
func (r *Repository) saveTransaction(ctx context.Context, tx *sql.Tx, subID int64, txn *billing.Transaction, assign func(*int64, int64)) error {
	if txn.ID != 0 {
		err := r.execOne(ctx, tx,
			`UPDATE freemium_transactions SET message = $2, credited = $3 WHERE id = $1`,
			txn.ID, txn.Message, txn.Credited)
		if err != nil {
			return fmt.Errorf("failed to update transaction %d: %w", txn.ID, err)
		}
		return nil
	}

	createdAt := txn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO freemium_transactions
			(subscription_id, success, billing_key, amount_cents, message, credited, credit_card, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, subID, txn.Success, txn.BillingKey, txn.Amount, txn.Message, txn.Credited, txn.CardDescription, createdAt).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	assign(&txn.ID, id)
	txn.CreatedAt = createdAt
	return nil
}

// DeleteSubscription removes the subscription with its card and coupon
// redemptions. Transactions are kept for the audit trail.
func (r *Repository) DeleteSubscription(ctx context.Context, id int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM freemium_coupon_redemptions WHERE subscription_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete coupon redemptions: %w", err)
		}

		var cardID sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`DELETE FROM freemium_subscriptions WHERE id = $1 RETURNING credit_card_id`, id,
		).Scan(&cardID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("subscription %d: %w", id, billing.ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to delete subscription %d: %w", id, err)
		}

		if cardID.Valid {
			if _, err := tx.ExecContext(ctx, `DELETE FROM freemium_credit_cards WHERE id = $1`, cardID.Int64); err != nil {
				return fmt.Errorf("failed to delete credit card %d: %w", cardID.Int64, err)
			}
		}
		return nil
	})
}

func (r *Repository) RecordChange(ctx context.Context, change *billing.SubscriptionChange) error {
	createdAt := change.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO freemium_subscription_changes
			(subscribable_id, subscribable_type, original_subscription_plan_id, new_subscription_plan_id,
			 original_rate_cents, new_rate_cents, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, change.SubscribableID, change.SubscribableType, change.OriginalPlanID, change.NewPlanID,
		change.OriginalRate, change.NewRate, string(change.Reason), createdAt,
	).Scan(&change.ID)
	if err != nil {
		return fmt.Errorf("failed to record %s change: %w", change.Reason, err)
	}
	change.CreatedAt = createdAt
	return nil
}
