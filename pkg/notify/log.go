package notify

import (
	"context"

	"github.com/platinummonkey/freemium/pkg/observability"
)

// LogSender writes messages to the log instead of delivering them
type LogSender struct {
	logger *observability.Logger
}

// NewLogSender creates a sender that logs at info level
func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs msg
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"notification": msg.Kind,
		"to":           msg.To,
		"bcc":          msg.Bcc,
		"subject":      msg.Subject,
	}).Info(msg.Body)
	return nil
}
