package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/stock-billing/internal/core/domain"
)

// Metrics collects Prometheus metrics for the HTTP layer and the billing engine.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	billsCreated      prometheus.Counter
	billRejections    *prometheus.CounterVec
	stockTransactions *prometheus.CounterVec
	lowStockAlerts    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbilling_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockbilling_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockbilling_bills_created_total",
		Help: "Bills committed.",
	})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbilling_bill_rejections_total",
		Help: "Bill requests rejected, by reason.",
	}, []string{"reason"})
	stock := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbilling_stock_transactions_total",
		Help: "Ledger rows written, by transaction type.",
	}, []string{"type"})
	alerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockbilling_low_stock_alerts_total",
		Help: "Low-stock alerts delivered to the publisher.",
	})
	registry.MustRegister(requests, duration, created, rejections, stock, alerts)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		billsCreated:      created,
		billRejections:    rejections,
		stockTransactions: stock,
		lowStockAlerts:    alerts,
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) BillCreated() {
	m.billsCreated.Inc()
}

func (m *Metrics) BillRejected(reason string) {
	m.billRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) StockTransaction(t domain.TransactionType) {
	m.stockTransactions.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) LowStockAlert() {
	m.lowStockAlerts.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
