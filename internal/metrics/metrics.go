// Package metrics provides Prometheus instrumentation for the simulator.
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
	// PositionsOpened counts opened positions by direction and source.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"direction", "source"})

	// PositionsClosed counts closed positions by close reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_positions_closed_total",
		Help: "Total number of positions closed",
	}, []string{"reason"})

	// TradeLatency tracks open/close latency including the oracle call.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_trade_latency_seconds",
		Help:    "Open and close latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TradeRejections counts rejected opens and closes by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_trade_rejections_total",
		Help: "Trade intents rejected, by error code",
	}, []string{"code"})

	// OpenPositions tracks the number of open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_open_positions",
		Help: "Number of currently open positions",
	})

	// CashBalance tracks free cash after each ledger mutation.
	CashBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_cash_balance",
		Help: "Free cash in the virtual account",
	})

	// OracleRequests counts price lookups by outcome (ok, error, timeout).
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_oracle_requests_total",
		Help: "Price oracle requests by outcome",
	}, []string{"outcome"})

	// OracleLatency tracks price lookup latency.
	OracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simengine_oracle_latency_seconds",
		Help:    "Price oracle latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// SignalsEvaluated counts AutoTrader signals by outcome.
	SignalsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_signals_evaluated_total",
		Help: "Signals evaluated by the auto trader, by outcome",
	}, []string{"outcome"})

	// AutoTraderSoftErrors counts provider failures swallowed by the tick.
	AutoTraderSoftErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_autotrader_soft_errors_total",
		Help: "Signal provider failures absorbed by the auto trader",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The route pattern keeps label cardinality bounded.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
