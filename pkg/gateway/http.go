package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig configures the HTTP gateway client
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTP talks to a billing-key style payment processor over JSON:
//
//	POST   /billing_keys                 store
//	PUT    /billing_keys/{key}           update
//	POST   /billing_keys/{key}/charges   charge
//	DELETE /billing_keys/{key}           cancel
//
// A 402 response carries a declined result and is not an error.
type HTTP struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP creates an HTTP gateway client with a traced transport
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type storeRequest struct {
	Card    CardDetails `json:"card"`
	Address Address     `json:"address"`
}

type chargeRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type errorBody struct {
	Message string `json:"message"`
}

// Store sends a new card to the processor
func (g *HTTP) Store(ctx context.Context, card CardDetails, addr Address) (Response, error) {
	var resp Response
	if err := g.do(ctx, http.MethodPost, "/billing_keys", storeRequest{Card: card, Address: addr}, &resp); err != nil {
		return Response{}, &Error{Op: "store", Err: err}
	}
	return resp, nil
}

// Update replaces the card behind billingKey
func (g *HTTP) Update(ctx context.Context, billingKey string, card CardDetails, addr Address) (Response, error) {
	var resp Response
	path := "/billing_keys/" + url.PathEscape(billingKey)
	if err := g.do(ctx, http.MethodPut, path, storeRequest{Card: card, Address: addr}, &resp); err != nil {
		return Response{}, &Error{Op: "update", BillingKey: billingKey, Err: err}
	}
	if resp.BillingKey == "" {
		resp.BillingKey = billingKey
	}
	return resp, nil
}

// Charge bills amountCents against billingKey
func (g *HTTP) Charge(ctx context.Context, billingKey string, amountCents int64) (ChargeResult, error) {
	var result ChargeResult
	path := "/billing_keys/" + url.PathEscape(billingKey) + "/charges"
	if err := g.do(ctx, http.MethodPost, path, chargeRequest{AmountCents: amountCents}, &result); err != nil {
		return ChargeResult{}, &Error{Op: "charge", BillingKey: billingKey, Err: err}
	}
	if result.Amount == 0 {
		result.Amount = amountCents
	}
	return result, nil
}

// Cancel removes billingKey at the processor
func (g *HTTP) Cancel(ctx context.Context, billingKey string) error {
	path := "/billing_keys/" + url.PathEscape(billingKey)
	if err := g.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return &Error{Op: "cancel", BillingKey: billingKey, Err: err}
	}
	return nil
}

func (g *HTTP) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusPaymentRequired:
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	default:
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, eb.Message)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}
