package billing

import (
	"errors"

	"github.com/platinummonkey/freemium/pkg/validation"
)

// ValidationError is returned when a subscription cannot be created or
// changed as requested
type ValidationError = validation.Errors

var (
	// ErrNotFound is returned by repositories for missing rows
	ErrNotFound = errors.New("not found")

	// ErrNothingToBill is returned by BillJustOne when no subscription is due
	ErrNothingToBill = errors.New("no billable subscriptions")

	// ErrNoExpiredPlan is returned by Expire when no expired plan is configured
	ErrNoExpiredPlan = errors.New("no expired plan configured")
)
