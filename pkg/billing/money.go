package billing

import "fmt"

// Money is an amount in cents
type Money int64

// Cents returns the raw amount
func (m Money) Cents() int64 { return int64(m) }

// IsZero reports whether m is zero
func (m Money) IsZero() bool { return m == 0 }

// Discount takes pct percent off m, rounding half-up to whole cents
func (m Money) Discount(pct int) Money {
	if pct <= 0 {
		return m
	}
	if pct >= 100 {
		return 0
	}
	return Money((int64(m)*int64(100-pct) + 50) / 100)
}

func (m Money) String() string {
	sign := ""
	c := int64(m)
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}
