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
	// LedgerWrites counts committed ledger mutations by operation.
	LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_ledger_writes_total",
		Help: "Committed ledger mutations",
	}, []string{"op"})

	// LedgerRejections counts ledger mutations rejected by validation, by
	// position checks or by a concurrent update.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_ledger_rejections_total",
		Help: "Rejected ledger mutations by reason",
	}, []string{"op", "reason"})

	// ReplayLatency tracks full position replays on edit and delete.
	ReplayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portfolio_replay_latency_seconds",
		Help:    "Position replay latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TasksSubmitted counts accepted task submissions by type.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_tasks_submitted_total",
		Help: "Tasks accepted by the registry",
	}, []string{"type"})

	// TaskDuplicates counts submissions answered with an existing running task.
	TaskDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_task_duplicates_total",
		Help: "Task submissions suppressed as duplicates",
	}, []string{"type"})

	// TaskTransitions counts terminal transitions by type and status.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_task_transitions_total",
		Help: "Task terminal transitions",
	}, []string{"type", "status"})

	// TaskDuration tracks wall-clock time from submit to terminal state.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_task_duration_seconds",
		Help:    "Task duration from submission to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"type"})

	// RunningTasks tracks tasks currently executing on a worker.
	RunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_running_tasks",
		Help: "Tasks currently held by a worker",
	})

	// QuoteRefreshes counts market data refreshes by kind and outcome.
	QuoteRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_quote_refreshes_total",
		Help: "Price and FX refreshes against external sources",
	}, []string{"kind", "outcome"})

	// ValuationFallbacks counts holdings valued without live data.
	ValuationFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_valuation_fallbacks_total",
		Help: "Holdings valued at cost basis or without FX",
	}, []string{"issue"})

	// DailyValuations counts daily valuation attempts by result: taken,
	// existing or failed.
	DailyValuations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_daily_valuations_total",
		Help: "Daily valuation attempts by result",
	}, []string{"result"})

	// AnalysisCacheHits counts analysis results served from cache.
	AnalysisCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_analysis_cache_hits_total",
		Help: "Analysis and recommendation results served from cache",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
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

		// Route pattern keeps label cardinality bounded.
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required for WebSocket upgrades behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
