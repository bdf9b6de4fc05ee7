package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookSender posts messages to a chat webhook (Slack and Mattermost
// incoming webhooks accept the payload)
type WebhookSender struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	Text       string   `json:"text"`
	Kind       string   `json:"kind,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// NewWebhookSender creates a sender posting to url
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Send posts msg as JSON
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	payload := webhookPayload{
		Text:       fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body),
		Kind:       msg.Kind,
		Recipients: msg.To,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
