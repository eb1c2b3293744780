package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/core/service"
)

var _ service.Metrics = (*Metrics)(nil)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsRecordsBillingCounters(t *testing.T) {
	m := NewMetrics()
	m.BillCreated()
	m.BillCreated()
	m.BillRejected("insufficient_stock")
	m.StockTransaction(domain.TransactionOut)
	m.LowStockAlert()

	body := scrape(t, m)
	assert.Contains(t, body, "stockbilling_bills_created_total 2")
	assert.Contains(t, body, `stockbilling_bill_rejections_total{reason="insufficient_stock"} 1`)
	assert.Contains(t, body, `stockbilling_stock_transactions_total{type="OUT"} 1`)
	assert.Contains(t, body, "stockbilling_low_stock_alerts_total 1")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	m := NewMetrics()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/bills")
	req := httptest.NewRequest(http.MethodPost, "/api/bills", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	body := scrape(t, m)
	assert.Contains(t, body, `stockbilling_http_requests_total{code="409",route="/api/bills"} 1`)
	assert.Contains(t, body, `stockbilling_http_request_duration_seconds_bucket{route="/api/bills"`)
}

func TestNilMetricsHandler(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
