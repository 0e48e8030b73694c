// Package metrics provides Prometheus instrumentation for the matching engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trades executed by the matching engine.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_trades_total",
		Help: "Total number of trades executed",
	})

	// TradeVolume tracks cumulative traded quantity per instrument.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_trade_volume_total",
		Help: "Cumulative traded quantity in shares",
	}, []string{"instrument_id"})

	// MatchPassLatency is the duration of one full matching pass.
	MatchPassLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_pass_duration_seconds",
		Help:    "Matching pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// StopTriggersDetected counts STOP orders whose trigger threshold was
	// crossed. Detection only — triggered stops are not yet converted to
	// live orders.
	StopTriggersDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_stop_triggers_detected_total",
		Help: "STOP orders detected as trigger-eligible",
	})

	// MarketOrdersCancelled counts MARKET orders force-cancelled because
	// they could not fully fill within their matching pass.
	MarketOrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matching_market_orders_cancelled_total",
		Help: "Unfilled MARKET orders force-cancelled after a pass",
	})

	// OrdersRejected counts orders rejected at acceptance time.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_orders_rejected_total",
		Help: "Orders rejected by acceptance-time validation",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matching_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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
