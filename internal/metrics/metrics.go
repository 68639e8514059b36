// Package metrics provides Prometheus instrumentation for the exchange engine.
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
	// TradesTotal counts trade attempts by type (buy/sell) and outcome
	// (success, failed, rejected).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trade attempts by outcome",
	}, []string{"type", "outcome"})

	// TradeLatency tracks engine execution time including retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeConflicts counts optimistic writes that lost a race.
	TradeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trade_conflicts_total",
		Help: "Conditional ledger writes rejected because of a concurrent modification",
	})

	// CompensationFailures counts rollbacks that could not be applied. Any
	// non-zero value means the ledger needs manual repair.
	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_compensation_failures_total",
		Help: "Trades whose compensating writes failed, leaving the ledger inconsistent",
	})

	// VolumeAdjustments counts admin inventory adjustments.
	VolumeAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_volume_adjustments_total",
		Help: "Admin stock volume adjustments applied",
	})

	// EvaluationTasks counts evaluation tasks reaching a terminal state.
	EvaluationTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_evaluation_tasks_total",
		Help: "Evaluation tasks by terminal state",
	}, []string{"state"})

	// EvaluationQueueDepth tracks tasks waiting for the worker.
	EvaluationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_evaluation_queue_depth",
		Help: "Number of queued evaluation tasks",
	})

	// EvaluatorLatency tracks calls to the external evaluator service.
	EvaluatorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_evaluator_latency_seconds",
		Help:    "Evaluator service call latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
