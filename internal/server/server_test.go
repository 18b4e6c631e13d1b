package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tmbot/internal/domain"
	"github.com/alanyoungcy/tmbot/internal/manager"
	"github.com/alanyoungcy/tmbot/internal/metrics"
	"github.com/alanyoungcy/tmbot/internal/server/handler"
)

type staticStatus struct{ st manager.Status }

func (s staticStatus) Status(context.Context) manager.Status { return s.st }

type stubBuyer struct {
	item     domain.BoughtItem
	err      error
	hashName string
	price    int64
	dest     *domain.TradeDestination
}

func (b *stubBuyer) Buy(_ context.Context, hashName string, price int64, dest *domain.TradeDestination) (domain.BoughtItem, error) {
	b.hashName, b.price, b.dest = hashName, price, dest
	return b.item, b.err
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyAll) Wait(context.Context, string, int, time.Duration) error          { return nil }

func newTestServer(t *testing.T, cfg Config, buyer handler.Buyer, limiter domain.RateLimiter) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	balance := int64(1500)

	h := Handlers{
		Health: handler.NewHealthHandler(clockwork.NewFakeClock()),
		Status: handler.NewStatusHandler("run", staticStatus{manager.Status{
			State:         "authenticated",
			Authenticated: true,
			Balance:       &balance,
			Currency:      "RUB",
		}}),
		Metrics: metrics.New().Handler(),
	}
	if buyer != nil {
		h.Buy = handler.NewBuyHandler(buyer, logger)
	}
	return NewServer(cfg, h, limiter, logger).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndStatus(t *testing.T) {
	h := newTestServer(t, Config{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "run", body["mode"])
	assert.Equal(t, "authenticated", body["state"])
	assert.EqualValues(t, 1500, body["balance"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, Config{}, nil, nil)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# TYPE")
}

func TestAuth(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "s3cret"}, nil, nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/api/status", "", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/api/status", "", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "", nil).Code, "health is public")
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, Config{RateLimit: 1, RateWindow: time.Second}, nil, denyAll{})
	rec := do(t, h, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBuyNotRegisteredWithoutBuyer(t *testing.T) {
	h := newTestServer(t, Config{}, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/buy", `{"hash_name":"x","price":1}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuySuccess(t *testing.T) {
	b := &stubBuyer{item: domain.BoughtItem{
		MarketID:  "900",
		HashName:  "Case",
		Signature: domain.ItemSignature{ClassID: "1", InstanceID: "0"},
		PaidPrice: 120,
	}}
	h := newTestServer(t, Config{}, b, nil)

	rec := do(t, h, http.MethodPost, "/api/buy", `{"hash_name":" Case ","price":100,"partner":"5","token":"abc"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "900", body["market_id"])
	assert.EqualValues(t, 120, body["paid_price"])
	assert.Equal(t, "Case", b.hashName)
	assert.EqualValues(t, 100, b.price)
	assert.Equal(t, &domain.TradeDestination{PartnerID: "5", TradeToken: "abc"}, b.dest)
}

func TestBuyValidation(t *testing.T) {
	h := newTestServer(t, Config{}, &stubBuyer{}, nil)

	for _, body := range []string{
		`not json`,
		`{"hash_name":"","price":1}`,
		`{"hash_name":"x","price":-1}`,
		`{"hash_name":"x","price":1,"extra":true}`,
	} {
		rec := do(t, h, http.MethodPost, "/api/buy", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestBuyErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"need money", &domain.PurchaseError{Category: domain.CategoryNeedMoney, Source: domain.SourceOwner, NeededAmount: 200}, http.StatusPaymentRequired},
		{"not found", domain.NewPurchaseError(domain.CategoryNotFound, domain.SourceMarket, "none"), http.StatusNotFound},
		{"user", domain.NewPurchaseError(domain.CategoryInvalidTradeToken, domain.SourceUser, "bad link"), http.StatusUnprocessableEntity},
		{"market", domain.NewPurchaseError(domain.CategoryAttemptsFailed, domain.SourceMarket, "tried"), http.StatusConflict},
		{"disabled", domain.ErrPurchasesDisabled, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, Config{}, &stubBuyer{err: tt.err}, nil)
			rec := do(t, h, http.MethodPost, "/api/buy", `{"hash_name":"x","price":1}`, nil)
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	h := newTestServer(t, Config{}, &stubBuyer{err: &domain.PurchaseError{
		Category: domain.CategoryTooHighPrices, Source: domain.SourceOwner, LowestPrice: 8000,
	}}, nil)
	body := decode(t, do(t, h, http.MethodPost, "/api/buy", `{"hash_name":"x","price":1}`, nil))
	assert.Equal(t, "too_high_prices", body["category"])
	assert.EqualValues(t, 8000, body["lowest_price"])
	assert.Equal(t, false, body["retryable"])

	h = newTestServer(t, Config{}, &stubBuyer{err: domain.NewPurchaseError(
		domain.CategoryAttemptsFailed, domain.SourceMarket, "tried")}, nil)
	body = decode(t, do(t, h, http.MethodPost, "/api/buy", `{"hash_name":"x","price":1}`, nil))
	assert.Equal(t, true, body["retryable"])
}
