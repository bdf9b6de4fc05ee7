package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Test is an in-process gateway for development and tests. Every card is
// accepted and every charge succeeds unless the key has been told otherwise.
type Test struct {
	mu        sync.Mutex
	nextKey   int
	declined  map[string]string
	failures  map[string]error
	panics    map[string]bool
	charges   []TestCharge
	cancelled []string
	stored    map[string]CardDetails
}

// TestCharge records one Charge call
type TestCharge struct {
	BillingKey string
	Amount     int64
	Success    bool
}

// NewTest creates an empty test gateway
func NewTest() *Test {
	return &Test{
		declined: make(map[string]string),
		failures: make(map[string]error),
		panics:   make(map[string]bool),
		stored:   make(map[string]CardDetails),
	}
}

// Decline makes charges against key fail with the given message
func (g *Test) Decline(key, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declined[key] = message
}

// FailWith makes every call for key return err
func (g *Test) FailWith(key string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[key] = err
}

// Approve undoes Decline and FailWith for key
func (g *Test) Approve(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.declined, key)
	delete(g.failures, key)
}

// PanicOn makes charges against key panic
func (g *Test) PanicOn(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.panics[key] = true
}

// Store hands out a fresh billing key
func (g *Test) Store(ctx context.Context, card CardDetails, addr Address) (Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if card.Number == "" {
		return Response{Success: false, Message: "card number is required"}, nil
	}
	g.nextKey++
	key := fmt.Sprintf("test-key-%d", g.nextKey)
	g.stored[key] = card
	return Response{BillingKey: key, Success: true, Message: "stored"}, nil
}

// Update replaces the card behind an existing key
func (g *Test) Update(ctx context.Context, billingKey string, card CardDetails, addr Address) (Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.failures[billingKey]; err != nil {
		return Response{}, &Error{Op: "update", BillingKey: billingKey, Err: err}
	}
	g.stored[billingKey] = card
	return Response{BillingKey: billingKey, Success: true, Message: "updated"}, nil
}

// Charge records the attempt and reports the configured outcome
func (g *Test) Charge(ctx context.Context, billingKey string, amountCents int64) (ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.panics[billingKey] {
		panic("test gateway: charge panic for " + billingKey)
	}
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, &Error{Op: "charge", BillingKey: billingKey, Err: err}
	}
	if err := g.failures[billingKey]; err != nil {
		return ChargeResult{}, &Error{Op: "charge", BillingKey: billingKey, Err: err}
	}

	result := ChargeResult{Success: true, Amount: amountCents, Message: "approved"}
	if billingKey == "" {
		result = ChargeResult{Success: false, Amount: amountCents, Message: "missing billing key"}
	} else if msg, ok := g.declined[billingKey]; ok {
		result = ChargeResult{Success: false, Amount: amountCents, Message: msg}
	}

	g.charges = append(g.charges, TestCharge{BillingKey: billingKey, Amount: amountCents, Success: result.Success})
	return result, nil
}

// Cancel forgets the key
func (g *Test) Cancel(ctx context.Context, billingKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if billingKey == "" {
		return &Error{Op: "cancel", Err: errors.New("missing billing key")}
	}
	if err := g.failures[billingKey]; err != nil {
		return &Error{Op: "cancel", BillingKey: billingKey, Err: err}
	}
	delete(g.stored, billingKey)
	g.cancelled = append(g.cancelled, billingKey)
	return nil
}

// Charges returns a copy of every charge attempt so far
func (g *Test) Charges() []TestCharge {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TestCharge, len(g.charges))
	copy(out, g.charges)
	return out
}

// Cancelled returns the keys cancelled so far
func (g *Test) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.cancelled))
	copy(out, g.cancelled)
	return out
}

// Stored reports whether key currently holds a card
func (g *Test) Stored(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.stored[key]
	return ok
}
