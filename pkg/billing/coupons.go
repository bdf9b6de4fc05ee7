package billing

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/freemium/pkg/validation"
)

// Discount applies the coupon to rate
func (c *Coupon) Discount(rate Money) Money {
	if c == nil {
		return rate
	}
	return rate.Discount(c.DiscountPercentage)
}

// Redeemable checks the coupon can be redeemed on today given how many
// times it has been redeemed already
func (c *Coupon) Redeemable(today Date, redeemed int) error {
	errs := validation.New()
	if c.RedemptionExpiration != nil && today.After(*c.RedemptionExpiration) {
		errs.Add("coupon", fmt.Sprintf("'%s' has expired", c.RedemptionKey))
	}
	if c.RedemptionLimit != nil && redeemed >= *c.RedemptionLimit {
		errs.Add("coupon", fmt.Sprintf("'%s' has reached its redemption limit", c.RedemptionKey))
	}
	return errs.Err()
}

// NormalizeCouponKey lower-cases and trims a redemption key
func NormalizeCouponKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// ActiveOn reports whether the redemption discounts date: redeemed on or
// before it, not expired by it, and within the coupon's duration
func (r CouponRedemption) ActiveOn(on Date) bool {
	if r.Coupon == nil || on.Before(r.RedeemedOn) {
		return false
	}
	if r.ExpiredOn != nil && !r.ExpiredOn.After(on) {
		return false
	}
	if r.Coupon.DurationInMonths != nil {
		return on.Before(r.RedeemedOn.AddMonths(*r.Coupon.DurationInMonths))
	}
	return true
}

// ActiveRedemption picks the active redemption with the largest discount.
// Ties go to the earliest in the slice.
func ActiveRedemption(redemptions []CouponRedemption, on Date) *CouponRedemption {
	var best *CouponRedemption
	for i := range redemptions {
		r := &redemptions[i]
		if !r.ActiveOn(on) {
			continue
		}
		if best == nil || r.Coupon.DiscountPercentage > best.Coupon.DiscountPercentage {
			best = r
		}
	}
	return best
}
