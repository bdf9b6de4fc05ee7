package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/platinummonkey/freemium/pkg/observability"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields from
// DefaultRetryConfig
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry determines if a send should be tried again
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil || errors.Is(err, ErrNoRecipient) {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay calculates the delay before the next attempt
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// delay = initialDelay * multiplier^(attempts-1)
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

type retryingSender struct {
	next   Sender
	policy *RetryPolicy
	logger *observability.Logger
}

// Retrying wraps next so failed sends are retried with backoff
func Retrying(next Sender, config RetryConfig, logger *observability.Logger) Sender {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &retryingSender{next: next, policy: NewRetryPolicy(config), logger: logger}
}

func (s *retryingSender) Send(ctx context.Context, msg Message) error {
	attempts := 0
	for {
		attempts++
		err := s.next.Send(ctx, msg)
		if !s.policy.ShouldRetry(attempts, err) {
			if err != nil && attempts > 1 {
				return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
			}
			return err
		}

		delay := s.policy.NextRetryDelay(attempts)
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"notification": msg.Kind,
			"attempt":      attempts,
			"retry_in":     delay.String(),
		}).Warn("notification send failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("notification retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}
