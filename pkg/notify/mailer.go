package notify

import (
	"context"
	"fmt"

	"github.com/platinummonkey/freemium/pkg/billing"
)

// Subjects of each notification
const (
	SubjectPaymentReceipt    = "Your Invoice"
	SubjectTrialEndsSoon     = "Your subscription begins soon"
	SubjectExpirationWarning = "Your subscription is set to expire"
	SubjectExpirationNotice  = "Your subscription has expired"
)

// MailerConfig configures a Mailer
type MailerConfig struct {
	// From is the sender address on every message
	From string
	// AdminRecipients are blind-copied on receipts, warnings and notices
	AdminRecipients []string
	// Templates overrides built-in bodies by kind
	Templates map[string]string
}

// Mailer renders billing notifications and hands them to a Sender. It
// implements billing.Notifier.
type Mailer struct {
	sender    Sender
	config    MailerConfig
	templates *Templates
}

var _ billing.Notifier = (*Mailer)(nil)

// NewMailer creates a mailer delivering through sender
func NewMailer(sender Sender, config MailerConfig) (*Mailer, error) {
	if config.From == "" {
		config.From = "billing@example.com"
	}
	templates, err := NewTemplates(config.Templates)
	if err != nil {
		return nil, err
	}
	return &Mailer{sender: sender, config: config, templates: templates}, nil
}

type subscriptionView struct {
	Plan        string
	Rate        billing.Money
	Period      string
	PaidThrough string
	ExpireOn    string
	Card        string
	Amount      billing.Money
}

func viewOf(sub *billing.Subscription) subscriptionView {
	v := subscriptionView{
		PaidThrough: sub.PaidThrough.String(),
		Card:        sub.CreditCard.Description(),
		Period:      "month",
	}
	if sub.Plan != nil {
		v.Plan = sub.Plan.Name
		v.Rate = sub.Plan.Rate
		if sub.Plan.Yearly {
			v.Rate *= 12
			v.Period = "year"
		}
	}
	if sub.ExpireOn != nil {
		v.ExpireOn = sub.ExpireOn.String()
	}
	return v
}

// PaymentReceipt mails the owner an invoice for txn
func (m *Mailer) PaymentReceipt(ctx context.Context, sub *billing.Subscription, txn *billing.Transaction) error {
	view := viewOf(sub)
	view.Amount = txn.Amount
	if txn.CardDescription != "" {
		view.Card = txn.CardDescription
	}
	return m.send(ctx, KindPaymentReceipt, SubjectPaymentReceipt, sub, true, view)
}

// ExpirationWarning tells the owner a charge failed and when the
// subscription will expire
func (m *Mailer) ExpirationWarning(ctx context.Context, sub *billing.Subscription) error {
	return m.send(ctx, KindExpirationWarning, SubjectExpirationWarning, sub, true, viewOf(sub))
}

// ExpirationNotice tells the owner the subscription has expired
func (m *Mailer) ExpirationNotice(ctx context.Context, sub *billing.Subscription) error {
	return m.send(ctx, KindExpirationNotice, SubjectExpirationNotice, sub, true, viewOf(sub))
}

// TrialEndsSoonWarning reminds the owner that billing starts soon
func (m *Mailer) TrialEndsSoonWarning(ctx context.Context, sub *billing.Subscription) error {
	return m.send(ctx, KindTrialEndsSoon, SubjectTrialEndsSoon, sub, false, viewOf(sub))
}

type transactionView struct {
	SubscriptionID int64
	Success        bool
	Amount         billing.Money
	Card           string
	Message        string
}

// AdminReport mails recipients every transaction of a billing run with the
// total successfully charged in the subject
func (m *Mailer) AdminReport(ctx context.Context, recipients []string, txns []*billing.Transaction) error {
	var charged billing.Money
	views := make([]transactionView, 0, len(txns))
	for _, txn := range txns {
		if txn.Success {
			charged += txn.Amount
		}
		views = append(views, transactionView{
			SubscriptionID: txn.SubscriptionID,
			Success:        txn.Success,
			Amount:         txn.Amount,
			Card:           txn.CardDescription,
			Message:        txn.Message,
		})
	}

	body, err := m.templates.Render(KindAdminReport, struct {
		Transactions []transactionView
		Charged      billing.Money
	}{views, charged})
	if err != nil {
		return err
	}

	return m.sender.Send(ctx, Message{
		Kind:    KindAdminReport,
		From:    m.config.From,
		To:      recipients,
		Subject: AdminReportSubject(charged),
		Body:    body,
	})
}

// AdminReportSubject is the subject of the admin report
func AdminReportSubject(charged billing.Money) string {
	return fmt.Sprintf("Billing report (%s charged)", charged)
}

func (m *Mailer) send(ctx context.Context, kind, subject string, sub *billing.Subscription, bccAdmins bool, data interface{}) error {
	to := sub.NotificationAddress()
	if to == "" {
		return fmt.Errorf("%s for subscription %d: %w", kind, sub.ID, ErrNoRecipient)
	}

	body, err := m.templates.Render(kind, data)
	if err != nil {
		return err
	}

	msg := Message{
		Kind:    kind,
		From:    m.config.From,
		To:      []string{to},
		Subject: subject,
		Body:    body,
	}
	if bccAdmins {
		msg.Bcc = m.config.AdminRecipients
	}
	return m.sender.Send(ctx, msg)
}
