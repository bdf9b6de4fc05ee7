package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/freemium/pkg/observability"
)

func testMessage() Message {
	return Message{
		Kind:    KindExpirationNotice,
		From:    "billing@freemium.test",
		To:      []string{"owner@example.com"},
		Bcc:     []string{"admin@freemium.test"},
		Subject: "Your subscription has expired",
		Body:    "line one\nline two\n",
	}
}

func TestMessage_RFC822(t *testing.T) {
	raw := string(testMessage().RFC822(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)))

	assert.Contains(t, raw, "From: billing@freemium.test\r\n")
	assert.Contains(t, raw, "To: owner@example.com\r\n")
	assert.Contains(t, raw, "Subject: Your subscription has expired\r\n")
	assert.Contains(t, raw, "line one\r\nline two\r\n")
	assert.NotContains(t, raw, "admin@freemium.test")
}

func TestMessage_Validate(t *testing.T) {
	assert.NoError(t, testMessage().Validate())
	assert.ErrorIs(t, Message{To: []string{" "}}.Validate(), ErrNoRecipient)
	assert.NoError(t, Message{Bcc: []string{"a@b.c"}}.Validate())
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.freemium.test", Username: "user", Password: "secret"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotAuth smtp.Auth
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotAuth = addr, from, to, a
		return nil
	}

	require.NoError(t, s.Send(context.Background(), testMessage()))
	assert.Equal(t, "smtp.freemium.test:587", gotAddr)
	assert.Equal(t, "billing@freemium.test", gotFrom)
	assert.Equal(t, []string{"owner@example.com", "admin@freemium.test"}, gotTo)
	assert.NotNil(t, gotAuth)
}

func TestSMTPSender_Errors(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525})
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("421 service not available")
	}

	err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "localhost:2525")

	assert.ErrorIs(t, s.Send(context.Background(), Message{}), ErrNoRecipient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, testMessage()), context.Canceled)
}

func TestLogSender(t *testing.T) {
	var buf strings.Builder
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	require.NoError(t, NewLogSender(logger).Send(context.Background(), testMessage()))
	assert.Contains(t, buf.String(), "Your subscription has expired")
	assert.Contains(t, buf.String(), "expiration_notice")
}

func TestWebhookSender(t *testing.T) {
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewWebhookSender(server.URL, time.Second).Send(context.Background(), testMessage()))
	assert.Equal(t, "*Your subscription has expired*\nline one\nline two\n", payload["text"])
	assert.Equal(t, KindExpirationNotice, payload["kind"])
}

func TestWebhookSender_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookSender(server.URL, time.Second).Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffMultiplier: 2}
}

func TestRetrying_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	flaky := SenderFunc(func(ctx context.Context, msg Message) error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})

	require.NoError(t, Retrying(flaky, fastRetry(), nil).Send(context.Background(), testMessage()))
	assert.Equal(t, 3, calls)
}

func TestRetrying_GivesUp(t *testing.T) {
	calls := 0
	broken := SenderFunc(func(ctx context.Context, msg Message) error {
		calls++
		return errors.New("relay down")
	})

	err := Retrying(broken, fastRetry(), nil).Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestRetrying_DoesNotRetryMissingRecipient(t *testing.T) {
	calls := 0
	s := SenderFunc(func(ctx context.Context, msg Message) error {
		calls++
		return ErrNoRecipient
	})

	err := Retrying(s, fastRetry(), nil).Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2})

	assert.Equal(t, time.Second, p.NextRetryDelay(0))
	assert.Equal(t, time.Second, p.NextRetryDelay(1))
	assert.Equal(t, 2*time.Second, p.NextRetryDelay(2))
	assert.Equal(t, 4*time.Second, p.NextRetryDelay(3))
	assert.Equal(t, 5*time.Second, p.NextRetryDelay(4))

	assert.Equal(t, DefaultRetryConfig().MaxAttempts, p.config.MaxAttempts)
	assert.False(t, p.ShouldRetry(1, nil))
	assert.True(t, p.ShouldRetry(1, errors.New("x")))
	assert.False(t, p.ShouldRetry(3, errors.New("x")))
}
