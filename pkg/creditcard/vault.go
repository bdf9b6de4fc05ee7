package creditcard

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/freemium/pkg/gateway"
)

// Vault keeps card numbers at the payment processor and only a billing key
// locally
type Vault struct {
	gateway gateway.Gateway
	now     func() time.Time
}

// NewVault creates a vault backed by gw
func NewVault(gw gateway.Gateway) *Vault {
	return &Vault{gateway: gw, now: time.Now}
}

// WithClock overrides the time used for expiry checks
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

// Save validates newly assigned card data and stores it at the processor.
// Any billing key the card already holds is cancelled first, so a failed
// store leaves the card with no key. Cards with nothing assigned are left
// untouched.
func (v *Vault) Save(ctx context.Context, card *Card) error {
	if !card.Changed() {
		return nil
	}

	card.Sanitize()
	if err := card.Validate(v.now()); err != nil {
		return err
	}

	if err := v.Destroy(ctx, card); err != nil {
		return err
	}

	resp, err := v.gateway.Store(ctx, card.Details(), card.Address())
	if err != nil {
		return &StorageError{Message: "store failed", Err: err}
	}
	if !resp.Success {
		return &StorageError{Message: resp.Message}
	}

	card.BillingKey = resp.BillingKey
	card.clearSensitive()
	return nil
}

// Update replaces the card behind the existing billing key instead of
// issuing a new one. Cards without a key are stored through Save.
func (v *Vault) Update(ctx context.Context, card *Card) error {
	if card.BillingKey == "" {
		return v.Save(ctx, card)
	}
	if !card.Changed() {
		return nil
	}

	card.Sanitize()
	if err := card.Validate(v.now()); err != nil {
		return err
	}

	resp, err := v.gateway.Update(ctx, card.BillingKey, card.Details(), card.Address())
	if err != nil {
		return &StorageError{Message: "update failed", Err: err}
	}
	if !resp.Success {
		return &StorageError{Message: resp.Message}
	}

	if resp.BillingKey != "" {
		card.BillingKey = resp.BillingKey
	}
	card.clearSensitive()
	return nil
}

// Destroy cancels the card's billing key at the processor
func (v *Vault) Destroy(ctx context.Context, card *Card) error {
	if card == nil || card.BillingKey == "" {
		return nil
	}
	if err := v.gateway.Cancel(ctx, card.BillingKey); err != nil {
		return fmt.Errorf("failed to cancel billing key: %w", err)
	}
	card.BillingKey = ""
	return nil
}
