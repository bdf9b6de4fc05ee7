package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoRecipient is returned when a message has nobody to go to
var ErrNoRecipient = errors.New("message has no recipient")

// Message is one rendered notification
type Message struct {
	From    string
	To      []string
	Bcc     []string
	Subject string
	Body    string
	// Kind names the notification, e.g. "payment_receipt"
	Kind string
}

// Recipients is every address the message is delivered to
func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Bcc))
	out = append(out, m.To...)
	return append(out, m.Bcc...)
}

// Validate checks the message can be delivered
func (m Message) Validate() error {
	for _, addr := range m.Recipients() {
		if strings.TrimSpace(addr) != "" {
			return nil
		}
	}
	return ErrNoRecipient
}

// Sender delivers messages
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// RFC822 renders the message as an RFC 822 mail. Bcc addresses are left
// out of the headers.
func (m Message) RFC822(date time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}
