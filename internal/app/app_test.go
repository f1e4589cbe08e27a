package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/app"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/config"
	"github.com/jules-labs/libralend/internal/gateway"
	"github.com/jules-labs/libralend/internal/sweeper"
)

func testConfig() config.Config {
	return config.Config{
		AppName:                  "libralend-test",
		Environment:              "test",
		StoreDriver:              "memory",
		LoanPeriod:               7 * 24 * time.Hour,
		MaxActiveBorrows:         3,
		NotifyWindow:             3 * time.Minute,
		FineUnit:                 24 * time.Hour,
		FineRate:                 "5",
		Currency:                 "INR",
		ReservationSweepInterval: time.Minute,
		OverdueSweepInterval:     time.Minute,
		JWTSecret:                "test-secret",
		TokenTTL:                 time.Hour,
		AdminEmail:               "admin@libralend.test",
		AdminPassword:            "admin-password",
		GatewayKeyID:             "rzp_test",
		GatewayKeySecret:         "key-secret",
		GatewayWebhookSecret:     "hook-secret",
		RateLimitRPS:             1000,
		RateLimitBurst:           1000,
	}
}

type client struct {
	t       *testing.T
	handler http.Handler
}

func (c client) do(method, path, token string, body any) (int, map[string]any) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func field(t *testing.T, m map[string]any, keys ...string) any {
	t.Helper()
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		require.True(t, ok, "no object at %q", k)
		cur = obj[k]
	}
	return cur
}

func str(t *testing.T, m map[string]any, keys ...string) string {
	t.Helper()
	s, ok := field(t, m, keys...).(string)
	require.True(t, ok, "%v is not a string", keys)
	return s
}

func newApp(t *testing.T) (*app.App, *clock.Fake, client) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	a, err := app.New(context.Background(), testConfig(), zerolog.Nop(), app.WithClock(clk), app.WithGateway(gateway.NewSandbox()))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, clk, client{t: t, handler: a.Handler}
}

func TestOverdueLoanLifecycleOverHTTP(t *testing.T) {
	a, clk, c := newApp(t)
	cfg := testConfig()

	code, body := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": cfg.AdminEmail, "password": cfg.AdminPassword})
	require.Equal(t, http.StatusOK, code, body)
	admin := str(t, body, "token")

	code, body = c.do(http.MethodPost, "/v1/books", admin, map[string]any{
		"isbn": "978-0441013593", "title": "Dune", "author": "Frank Herbert", "total_copies": 1,
	})
	require.Equal(t, http.StatusCreated, code, body)
	bookID := str(t, body, "book", "id")

	code, body = c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "reader@example.com", "name": "Reader", "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, code, body)
	reader := str(t, body, "token")

	code, _ = c.do(http.MethodPost, "/v1/books", reader, map[string]any{"isbn": "x", "title": "x", "total_copies": 1})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = c.do(http.MethodPost, "/v1/borrow-requests/borrow", reader, map[string]string{"book_id": bookID})
	require.Equal(t, http.StatusCreated, code, body)
	requestID := str(t, body, "request", "id")

	code, body = c.do(http.MethodPut, "/v1/borrow-requests/"+requestID+"/approve-borrow", admin, nil)
	require.Equal(t, http.StatusOK, code, body)
	loanID := str(t, body, "loan", "id")

	clk.Advance(cfg.LoanPeriod + 48*time.Hour)

	code, body = c.do(http.MethodGet, "/v1/reports/overdue", admin, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, field(t, body, "count"))
	entry := field(t, body, "overdue").([]any)[0].(map[string]any)
	assert.Equal(t, "Dune", entry["book_title"])
	assert.Equal(t, "Reader", entry["member_name"])
	assert.Equal(t, "10", entry["accrued_fee"])

	code, _ = c.do(http.MethodPost, "/v1/borrow-requests/return", reader, map[string]string{"loan_id": loanID})
	assert.Equal(t, http.StatusPaymentRequired, code)

	summary, err := a.Scheduler.RunOnce(context.Background(), sweeper.JobOverdueScan)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	code, body = c.do(http.MethodPost, "/v1/payments/orders", reader, map[string]string{"borrow_id": loanID})
	require.Equal(t, http.StatusCreated, code, body)
	orderID := str(t, body, "order", "id")
	assert.Equal(t, cfg.GatewayKeyID, field(t, body, "key"))

	signer := gateway.NewSigner(cfg.GatewayKeySecret, cfg.GatewayWebhookSecret)
	code, body = c.do(http.MethodPost, "/v1/payments/verify", reader, map[string]string{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": "pay_test_1",
		"razorpay_signature":  signer.SignPayment(orderID, "pay_test_1"),
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "success", str(t, body, "payment", "status"))

	code, body = c.do(http.MethodPost, "/v1/borrow-requests/return", reader, map[string]string{"loan_id": loanID})
	require.Equal(t, http.StatusCreated, code, body)
	returnID := str(t, body, "request", "id")

	code, body = c.do(http.MethodPut, "/v1/borrow-requests/"+returnID+"/approve-return", admin, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "0", field(t, body, "fine"))

	code, body = c.do(http.MethodGet, "/v1/books/"+bookID, "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, field(t, body, "book", "available_copies"))

	code, body = c.do(http.MethodGet, "/v1/notifications", reader, nil)
	require.Equal(t, http.StatusOK, code, body)
	kinds := map[string]int{}
	for _, n := range field(t, body, "notifications").([]any) {
		kinds[n.(map[string]any)["kind"].(string)]++
	}
	assert.Equal(t, 1, kinds["FINE"])
	assert.Equal(t, 1, kinds["PAYMENT_SUCCESS"])

	code, body = c.do(http.MethodGet, "/v1/loans/"+loanID+"/journal", admin, nil)
	require.Equal(t, http.StatusOK, code, body)
	var events []string
	for i, e := range field(t, body, "journal").([]any) {
		entry := e.(map[string]any)
		assert.EqualValues(t, i+1, entry["version"])
		events = append(events, entry["event_type"].(string))
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "LoanOpened", events[0])
	assert.Contains(t, events, "ReturnStarted")
	assert.Equal(t, "LoanClosed", events[len(events)-1])

	code, _ = c.do(http.MethodGet, "/v1/loans/"+loanID+"/journal", reader, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = c.do(http.MethodGet, "/v1/books/"+loanID+"/journal", admin, nil)
	assert.Equal(t, http.StatusNotFound, code, "a loan id is not a book")
	code, body = c.do(http.MethodGet, "/v1/books/"+bookID+"/journal", admin, nil)
	require.Equal(t, http.StatusOK, code, body)
}

func TestRoutesRequireAuthentication(t *testing.T) {
	_, _, c := newApp(t)

	code, body := c.do(http.MethodGet, "/v1/loans/my", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.NotEmpty(t, field(t, body, "error"))

	code, _ = c.do(http.MethodGet, "/v1/loans/my", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = c.do(http.MethodGet, "/v1/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	_, _, c := newApp(t)

	code, body := c.do(http.MethodPost, "/v1/payments/webhook", "", map[string]any{"event": "order.paid"})
	assert.Equal(t, http.StatusBadRequest, code, body)
}

func TestMembersAdminRoutes(t *testing.T) {
	_, _, c := newApp(t)
	cfg := testConfig()

	_, body := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": cfg.AdminEmail, "password": cfg.AdminPassword})
	admin := str(t, body, "token")
	code, body := c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "desk@example.com", "name": "Desk", "password": "librarian-pass",
	})
	require.Equal(t, http.StatusCreated, code, body)
	memberID := str(t, body, "member", "id")
	member := str(t, body, "token")

	code, _ = c.do(http.MethodGet, "/v1/members", member, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = c.do(http.MethodPut, "/v1/members/"+memberID+"/role", admin, map[string]string{"role": "librarian"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "librarian", str(t, body, "member", "role"))

	code, body = c.do(http.MethodGet, "/v1/members", admin, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, field(t, body, "members"), 2)
}

func TestReviewsAndMemberStatsOverHTTP(t *testing.T) {
	_, _, c := newApp(t)
	cfg := testConfig()

	code, body := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": cfg.AdminEmail, "password": cfg.AdminPassword})
	require.Equal(t, http.StatusOK, code, body)
	admin := str(t, body, "token")

	code, body = c.do(http.MethodPost, "/v1/books", admin, map[string]any{
		"isbn": "978-0547928227", "title": "The Hobbit", "author": "J. R. R. Tolkien", "total_copies": 1,
	})
	require.Equal(t, http.StatusCreated, code, body)
	bookID := str(t, body, "book", "id")

	code, body = c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "critic@example.com", "name": "Critic", "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, code, body)
	reader := str(t, body, "token")

	code, body = c.do(http.MethodPost, "/v1/reviews", reader, map[string]any{"book_id": bookID, "rating": 9})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = c.do(http.MethodPost, "/v1/reviews", reader, map[string]any{"book_id": bookID, "rating": 4, "comment": "a fine walk"})
	require.Equal(t, http.StatusCreated, code, body)
	reviewID := str(t, body, "review", "id")
	assert.Equal(t, false, field(t, body, "review", "is_approved"))

	code, _ = c.do(http.MethodPost, "/v1/reviews", reader, map[string]any{"book_id": bookID, "rating": 5})
	assert.Equal(t, http.StatusConflict, code)

	code, body = c.do(http.MethodGet, "/v1/books/"+bookID+"/reviews", "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Empty(t, field(t, body, "reviews"), "pending reviews are not public")

	code, _ = c.do(http.MethodPut, "/v1/reviews/"+reviewID+"/approve", reader, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, body = c.do(http.MethodPut, "/v1/reviews/"+reviewID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, code, body)

	code, body = c.do(http.MethodGet, "/v1/books/"+bookID+"/reviews", "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, field(t, body, "reviews"), 1)

	code, body = c.do(http.MethodGet, "/v1/books/"+bookID, "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "4", str(t, body, "book", "average_rating"))
	assert.Equal(t, float64(1), field(t, body, "book", "review_count"))

	code, body = c.do(http.MethodPost, "/v1/reservations/"+bookID, reader, nil)
	require.Equal(t, http.StatusCreated, code, body)

	code, body = c.do(http.MethodGet, "/v1/members/me/stats", reader, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, map[string]any{
		"active_borrows":  float64(0),
		"borrow_requests": float64(0),
		"reservations":    float64(1),
		"overdues":        float64(0),
		"reviews":         float64(1),
		"returned_books":  float64(0),
	}, field(t, body, "stats"))

	code, _ = c.do(http.MethodDelete, "/v1/reviews/"+reviewID, admin, nil)
	require.Equal(t, http.StatusOK, code)
	code, body = c.do(http.MethodGet, "/v1/books/"+bookID, "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "0", str(t, body, "book", "average_rating"))

	code, body = c.do(http.MethodGet, "/v1/reviews/"+reviewID+"/journal", admin, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, field(t, body, "journal"), 3)
}
