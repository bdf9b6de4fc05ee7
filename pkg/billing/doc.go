// Package billing runs freemium subscriptions: plans, coupons, free trials,
// recurring charges, grace periods and expiry.
//
// # Overview
//
// An Engine owns the lifecycle of a single subscription. A Driver runs the
// periodic batch ("manual billing") that charges everything due, expires
// subscriptions whose grace period ran out, mails the admin report and warns
// owners whose trial is about to end.
//
// State is never stored directly; it is derived from the subscription's
// dates:
//
//	trial    InTrial is set
//	expired  ExpireOn <= today
//	grace    ExpireOn set and PaidThrough < today
//	active   anything else
//
// # Money and dates
//
// Amounts are integer cents (Money). Dates are calendar days (Date) in the
// clock's zone. Crediting an exact multiple of the effective rate buys whole
// calendar months; any other amount buys amount / (Rate/30) days.
//
// # Usage Example
//
//	engine := billing.NewEngine(repo, gw, mailer, billing.SystemClock{}, settings, logger)
//	sub, err := engine.Create(ctx, billing.CreateRequest{
//		Subscribable: billing.Owner{ID: 7, Type: "User", Email: "owner@example.com"},
//		Plan:         premium,
//		CreditCard:   card,
//		CouponKey:    "WELCOME",
//	})
//
//	report, err := billing.NewDriver(engine).RunBilling(ctx)
//	fmt.Printf("charged %s\n", report.ChargedTotal())
//
// # Related Packages
//
//   - pkg/creditcard: Card validation and the processor vault
//   - pkg/gateway: Payment processor clients
//   - pkg/storage: Repository implementations
//   - pkg/notify: Notifier implementation
package billing
