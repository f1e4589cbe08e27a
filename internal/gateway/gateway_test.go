package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/gateway"
)

func TestSignerPaymentSignature(t *testing.T) {
	s := gateway.NewSigner("key-secret", "hook-secret")
	sig := s.SignPayment("order_1", "pay_1")

	assert.NoError(t, s.VerifyPayment("order_1", "pay_1", sig))
	assert.ErrorIs(t, s.VerifyPayment("order_1", "pay_2", sig), apperr.ErrInvalidSignature)
	assert.ErrorIs(t, s.VerifyPayment("order_1", "pay_1", "deadbeef"), apperr.ErrInvalidSignature)

	other := gateway.NewSigner("another-secret", "hook-secret")
	assert.ErrorIs(t, other.VerifyPayment("order_1", "pay_1", sig), apperr.ErrInvalidSignature)
}

func TestSignerWebhookSignature(t *testing.T) {
	s := gateway.NewSigner("key-secret", "hook-secret")
	body := []byte(`{"event":"order.paid"}`)

	assert.NoError(t, s.VerifyWebhook(body, s.SignWebhook(body)))
	assert.ErrorIs(t, s.VerifyWebhook([]byte(`{"event":"order.paid" }`), s.SignWebhook(body)), apperr.ErrInvalidSignature)

	unset := gateway.NewSigner("key-secret", "")
	assert.ErrorIs(t, unset.VerifyWebhook(body, unset.SignWebhook(body)), apperr.ErrInvalidSignature)
}

func TestClientCreateOrderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body struct {
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Receipt  string `json:"receipt"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(1250), body.Amount)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "order_abc", "amount": body.Amount, "currency": body.Currency,
			"receipt": body.Receipt, "status": "created",
		})
	}))
	defer srv.Close()

	c := gateway.NewClient(gateway.ClientConfig{
		BaseURL: srv.URL, KeyID: "key", KeySecret: "secret", Timeout: time.Second, MaxRetries: 3,
	}, zerolog.Nop())

	order, err := c.CreateOrder(context.Background(), gateway.OrderRequest{
		Amount: decimal.RequireFromString("12.50"), Currency: "INR", Receipt: "loan_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "order_abc", order.ID)
	assert.Equal(t, int64(1250), order.Amount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientCreateOrderDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad amount"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := gateway.NewClient(gateway.ClientConfig{BaseURL: srv.URL, MaxRetries: 3}, zerolog.Nop())
	_, err := c.CreateOrder(context.Background(), gateway.OrderRequest{Amount: decimal.NewFromInt(5), Currency: "INR"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientRejectionsDoNotOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 8 {
			http.Error(w, `{"error":"bad receipt"}`, http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "order_ok", "amount": 500, "currency": "INR", "status": "created"})
	}))
	defer srv.Close()

	c := gateway.NewClient(gateway.ClientConfig{BaseURL: srv.URL, MaxRetries: 1}, zerolog.Nop())
	req := gateway.OrderRequest{Amount: decimal.NewFromInt(5), Currency: "INR"}
	for i := 0; i < 8; i++ {
		_, err := c.CreateOrder(context.Background(), req)
		require.Error(t, err)
	}

	order, err := c.CreateOrder(context.Background(), req)
	require.NoError(t, err, "client errors must not trip the breaker")
	assert.Equal(t, "order_ok", order.ID)
	assert.Equal(t, int32(9), calls.Load())
}

func TestSandboxCreateOrder(t *testing.T) {
	sb := gateway.NewSandbox()
	order, err := sb.CreateOrder(context.Background(), gateway.OrderRequest{Amount: decimal.NewFromInt(5), Currency: "INR"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), order.Amount)
	assert.Equal(t, 1, sb.Orders())

	sb.FailWith(assert.AnError)
	_, err = sb.CreateOrder(context.Background(), gateway.OrderRequest{Amount: decimal.NewFromInt(5)})
	assert.Error(t, err)
}
