package gateway

import (
	"context"
	"fmt"
)

// Address is the billing address sent alongside card data. Only Zip is
// collected today.
type Address struct {
	Email   string `json:"email,omitempty"`
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// CardDetails is the sensitive card data handed to the processor on store
// and update. It is never persisted locally.
type CardDetails struct {
	Number            string `json:"number"`
	CardType          string `json:"card_type"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Month             int    `json:"month"`
	Year              int    `json:"year"`
	VerificationValue string `json:"verification_value,omitempty"`
	StartMonth        int    `json:"start_month,omitempty"`
	StartYear         int    `json:"start_year,omitempty"`
	IssueNumber       string `json:"issue_number,omitempty"`
}

// Response is the outcome of a store or update call
type Response struct {
	BillingKey string `json:"billing_key"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

// ChargeResult is the processor's answer to a charge. A declined card is
// Success=false with a nil error; errors are reserved for transport failures.
type ChargeResult struct {
	Success bool   `json:"success"`
	Amount  int64  `json:"amount_cents"`
	Message string `json:"message"`
}

// Gateway is the subset of a payment processor the billing engine needs
type Gateway interface {
	Store(ctx context.Context, card CardDetails, addr Address) (Response, error)
	Update(ctx context.Context, billingKey string, card CardDetails, addr Address) (Response, error)
	Charge(ctx context.Context, billingKey string, amountCents int64) (ChargeResult, error)
	Cancel(ctx context.Context, billingKey string) error
}

// Error wraps a failed gateway operation
type Error struct {
	Op         string
	BillingKey string
	Err        error
}

func (e *Error) Error() string {
	if e.BillingKey != "" {
		return fmt.Sprintf("gateway %s %s: %v", e.Op, e.BillingKey, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
