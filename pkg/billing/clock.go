package billing

import (
	"sync"
	"time"
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
	Today() Date
}

// SystemClock reads the wall clock in Location (UTC when nil)
type SystemClock struct {
	Location *time.Location
}

// Now returns the current time
func (c SystemClock) Now() time.Time {
	if c.Location != nil {
		return time.Now().In(c.Location)
	}
	return time.Now().UTC()
}

// Today returns the current calendar day
func (c SystemClock) Today() Date {
	return DateOf(c.Now())
}

// FixedClock is a settable clock for tests and backfills
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock starts a clock at t
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// NewFixedClockOn starts a clock at noon UTC on d
func NewFixedClockOn(d Date) *FixedClock {
	return NewFixedClock(d.Time().Add(12 * time.Hour))
}

// Now returns the clock's time
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Today returns the clock's day
func (c *FixedClock) Today() Date {
	return DateOf(c.Now())
}

// Set moves the clock to t
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// AdvanceDays moves the clock forward n days
func (c *FixedClock) AdvanceDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, n)
}
