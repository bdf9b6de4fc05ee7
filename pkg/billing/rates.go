package billing

// daysPerMonth is the fixed month length used for daily rates. Real months
// vary; credits that are not whole months are approximate.
const daysPerMonth = 30

// EffectiveRate is the plan's rate on date after the best active coupon
func EffectiveRate(plan *Plan, redemptions []CouponRedemption, on Date) Money {
	if plan == nil {
		return 0
	}
	rate := plan.Rate
	if r := ActiveRedemption(redemptions, on); r != nil {
		rate = r.Coupon.Discount(rate)
	}
	return rate
}

// DailyRate is the plan's undiscounted rate spread over a 30-day month,
// truncated to whole cents
func DailyRate(plan *Plan) Money {
	if plan == nil {
		return 0
	}
	return plan.Rate / daysPerMonth
}

// IsPaid reports whether sub costs anything on date
func IsPaid(sub *Subscription, on Date) bool {
	return sub.Rate(on) > 0
}

// Rate is the subscription's effective rate on date
func (s *Subscription) Rate(on Date) Money {
	return EffectiveRate(s.Plan, s.CouponRedemptions, on)
}

// RateFor is what the subscription would pay on plan, keeping its coupons
func (s *Subscription) RateFor(plan *Plan, on Date) Money {
	return EffectiveRate(plan, s.CouponRedemptions, on)
}

// RemainingDays is PaidThrough - today; zero when paid through today and
// negative once overdue
func (s *Subscription) RemainingDays(today Date) int {
	return s.PaidThrough.DaysSince(today)
}

// RemainingValue is the unused paid time valued at plan's daily rate, or the
// current plan's when plan is nil
func (s *Subscription) RemainingValue(plan *Plan, today Date) Money {
	if plan == nil {
		plan = s.Plan
	}
	return DailyRate(plan) * Money(s.RemainingDays(today))
}

// RemainingDaysOfGrace is ExpireOn - today - 1: zero on the last day of
// grace. ok is false when no grace period is running.
func (s *Subscription) RemainingDaysOfGrace(today Date) (days int, ok bool) {
	if s.ExpireOn == nil {
		return 0, false
	}
	return s.ExpireOn.DaysSince(today) - 1, true
}
