package billing

import "time"

// Settings configures the engine and the billing driver
type Settings struct {
	// GraceDays is how long a failed subscription keeps its plan
	GraceDays int
	// FreeTrialDays is the trial given to new paid subscriptions; 0 disables
	FreeTrialDays int
	// ExpiredPlanKey names the plan subscriptions drop to on expiry
	ExpiredPlanKey string
	// AdminReportRecipients get the per-run transaction report
	AdminReportRecipients []string
	// TrialWarningDays is how far ahead of a trial's end the owner is warned
	TrialWarningDays int
	// BillingConcurrency bounds parallel charges within a run; 1 is sequential
	BillingConcurrency int
	// GatewayTimeout bounds each charge; a timeout counts as a decline
	GatewayTimeout time.Duration
	// InstallmentAmount overrides what a charge bills. Nil uses
	// DefaultInstallmentAmount.
	InstallmentAmount func(sub *Subscription, on Date) Money
}

// DefaultSettings returns the settings used when nothing is configured
func DefaultSettings() Settings {
	return Settings{
		TrialWarningDays:   5,
		BillingConcurrency: 1,
		GatewayTimeout:     30 * time.Second,
	}
}

// DefaultInstallmentAmount bills one month at the effective rate, or twelve
// for yearly plans
func DefaultInstallmentAmount(sub *Subscription, on Date) Money {
	rate := sub.Rate(on)
	if sub.Plan != nil && sub.Plan.Yearly {
		return rate * 12
	}
	return rate
}
