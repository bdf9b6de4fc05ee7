package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestGateway(t *testing.T) {
	ctx := context.Background()
	g := NewTest()

	resp, err := g.Store(ctx, CardDetails{Number: "4111111111111111"}, Address{Zip: "94107"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "test-key-1", resp.BillingKey)
	assert.True(t, g.Stored(resp.BillingKey))

	t.Run("charge succeeds by default", func(t *testing.T) {
		result, err := g.Charge(ctx, resp.BillingKey, 1000)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, int64(1000), result.Amount)
	})

	t.Run("declined key", func(t *testing.T) {
		g.Decline("bad", "insufficient funds")
		result, err := g.Charge(ctx, "bad", 1000)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, "insufficient funds", result.Message)
	})

	t.Run("transport failure", func(t *testing.T) {
		g.FailWith("down", errors.New("connection reset"))
		_, err := g.Charge(ctx, "down", 1000)
		var gwErr *Error
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, "charge", gwErr.Op)
	})

	t.Run("cancel", func(t *testing.T) {
		require.NoError(t, g.Cancel(ctx, resp.BillingKey))
		assert.False(t, g.Stored(resp.BillingKey))
		assert.Equal(t, []string{resp.BillingKey}, g.Cancelled())
	})

	assert.Len(t, g.Charges(), 2)
}

func TestTestGateway_PanicOn(t *testing.T) {
	g := NewTest()
	g.PanicOn("boom")

	assert.Panics(t, func() {
		_, _ = g.Charge(context.Background(), "boom", 100)
	})

	// the mutex must be released after the panic
	_, err := g.Charge(context.Background(), "fine", 100)
	assert.NoError(t, err)
}

func newProcessor(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/billing_keys", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req storeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "94107", req.Address.Zip)

		_ = json.NewEncoder(w).Encode(Response{BillingKey: "bk_123", Success: true, Message: "ok"})
	})
	mux.HandleFunc("/billing_keys/bk_123/charges", func(w http.ResponseWriter, r *http.Request) {
		var req chargeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(ChargeResult{Success: true, Amount: req.AmountCents, Message: "approved"})
	})
	mux.HandleFunc("/billing_keys/bk_declined/charges", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(ChargeResult{Success: false, Message: "card declined"})
	})
	mux.HandleFunc("/billing_keys/bk_broken/charges", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream unavailable"}`))
	})
	mux.HandleFunc("/billing_keys/bk_slow/charges", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	mux.HandleFunc("/billing_keys/bk_123", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			_ = json.NewEncoder(w).Encode(Response{Success: true})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPGateway(t *testing.T) {
	srv := newProcessor(t)
	ctx := context.Background()

	g, err := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	t.Run("store", func(t *testing.T) {
		resp, err := g.Store(ctx, CardDetails{Number: "4111111111111111"}, Address{Zip: "94107"})
		require.NoError(t, err)
		assert.Equal(t, "bk_123", resp.BillingKey)
		assert.True(t, resp.Success)
	})

	t.Run("update keeps key", func(t *testing.T) {
		resp, err := g.Update(ctx, "bk_123", CardDetails{}, Address{})
		require.NoError(t, err)
		assert.Equal(t, "bk_123", resp.BillingKey)
	})

	t.Run("charge approved", func(t *testing.T) {
		result, err := g.Charge(ctx, "bk_123", 1500)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, int64(1500), result.Amount)
	})

	t.Run("charge declined is not an error", func(t *testing.T) {
		result, err := g.Charge(ctx, "bk_declined", 1500)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, "card declined", result.Message)
		assert.Equal(t, int64(1500), result.Amount)
	})

	t.Run("server error", func(t *testing.T) {
		_, err := g.Charge(ctx, "bk_broken", 1500)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream unavailable")
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := g.Charge(ctx, "bk_slow", 1500)
		var gwErr *Error
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, "bk_slow", gwErr.BillingKey)
	})

	t.Run("cancel", func(t *testing.T) {
		assert.NoError(t, g.Cancel(ctx, "bk_123"))
	})
}

func TestNewHTTP_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.Error(t, err)
}
