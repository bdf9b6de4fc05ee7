// Package notify delivers billing mail: payment receipts, grace period
// warnings, expiration notices, trial reminders and the admin billing
// report.
//
// Mailer renders each notification from a text template and hands the
// resulting Message to a Sender. Senders are available for SMTP, for a
// chat webhook and for the log (development).
//
// # Usage Example
//
//	sender := notify.Retrying(notify.NewSMTPSender(smtpCfg), notify.DefaultRetryConfig(), logger)
//	mailer, err := notify.NewMailer(sender, notify.MailerConfig{
//		From:            "billing@example.com",
//		AdminRecipients: []string{"finance@example.com"},
//	})
//
// # Related Packages
//
//   - pkg/billing: Calls the Mailer through billing.Notifier
package notify
