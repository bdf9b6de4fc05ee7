package notify

import (
	"fmt"
	"strings"
	"text/template"
)

const (
	KindPaymentReceipt    = "payment_receipt"
	KindExpirationWarning = "expiration_warning"
	KindExpirationNotice  = "expiration_notice"
	KindTrialEndsSoon     = "trial_ends_soon"
	KindAdminReport       = "admin_report"
)

var defaultTemplates = map[string]string{
	KindPaymentReceipt: `Thank you for your payment.

Plan:          {{.Plan}}
Amount:        {{.Amount}}
{{- with .Card}}
Charged to:    {{.}}
{{- end}}
Paid through:  {{.PaidThrough}}
`,

	KindExpirationWarning: `We were unable to charge your card for your {{.Plan}} subscription.

Please update your billing information before {{.ExpireOn}}. If payment
has not been received by then your account will move to the free plan.
`,

	KindExpirationNotice: `Your {{.Plan}} subscription has expired and your account has been
moved to the free plan. You can subscribe again at any time.
`,

	KindTrialEndsSoon: `Your free trial of {{.Plan}} ends on {{.PaidThrough}}.

Your card will be charged {{.Rate}} per {{.Period}} from then on unless you
change your plan.
`,

	KindAdminReport: `Billing run report: {{len .Transactions}} transactions, {{.Charged}} charged.
{{range .Transactions}}
{{if .Success}}OK  {{else}}ERR {{end}} subscription {{.SubscriptionID}}  {{.Amount}}  {{.Card}}  {{.Message}}
{{- end}}
`,
}

// Templates renders notification bodies by kind
type Templates struct {
	bodies map[string]*template.Template
}

// NewTemplates parses the built-in bodies, replacing any kind found in
// overrides
func NewTemplates(overrides map[string]string) (*Templates, error) {
	t := &Templates{bodies: make(map[string]*template.Template)}
	for kind, text := range defaultTemplates {
		if o, ok := overrides[kind]; ok {
			text = o
		}
		tmpl, err := template.New(kind).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", kind, err)
		}
		t.bodies[kind] = tmpl
	}
	for kind := range overrides {
		if _, ok := defaultTemplates[kind]; !ok {
			return nil, fmt.Errorf("unknown notification template %q", kind)
		}
	}
	return t, nil
}

// Render executes the body template for kind
func (t *Templates) Render(kind string, data interface{}) (string, error) {
	tmpl, ok := t.bodies[kind]
	if !ok {
		return "", fmt.Errorf("no template for %q", kind)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", kind, err)
	}
	return b.String(), nil
}
