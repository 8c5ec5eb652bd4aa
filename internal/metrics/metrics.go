// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts transactions by kind (open/close/roll/auto)
	// and result (ok, or the failure class).
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_transactions_total",
		Help: "Total number of transactions processed",
	}, []string{"kind", "result"})

	// TransactionLatency tracks end-to-end execution time, broker included.
	TransactionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_transaction_latency_seconds",
		Help:    "Transaction execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// LegOutcomes counts legs by classified outcome.
	LegOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_leg_outcomes_total",
		Help: "Transaction legs by outcome",
	}, []string{"outcome"})

	// CashBalance is the current cash balance.
	CashBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_cash_balance",
		Help: "Current cash balance",
	})

	// OpenPositions is the number of live holdings.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_open_positions",
		Help: "Number of live holdings",
	})

	// OpenChains is the number of chains with at least one live holding.
	OpenChains = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_open_chains",
		Help: "Number of open transaction chains",
	})

	// AdapterFailures counts brokerage adapter failures by adapter and call.
	AdapterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_adapter_failures_total",
		Help: "Brokerage adapter failures",
	}, []string{"adapter", "op"})

	// BreakerState is the adapter circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portfolio_adapter_breaker_state",
		Help: "Brokerage adapter circuit breaker state",
	}, []string{"adapter"})

	// ValuationErrors counts failed PnL/margin calculations by calculation.
	ValuationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_valuation_errors_total",
		Help: "Failed valuation calls",
	}, []string{"calc"})

	// PositionLimitRejections counts transactions rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_position_limit_rejections_total",
		Help: "Transactions rejected by position limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
