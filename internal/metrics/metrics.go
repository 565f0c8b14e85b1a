package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently registered agent sessions
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portcullis_active_sessions",
			Help: "Number of active agent sessions",
		},
		[]string{"backend"},
	)

	// SessionDuration tracks how long sessions live
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"backend", "outcome"},
	)

	// PromptTurns counts completed prompt turns
	PromptTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_prompt_turns_total",
			Help: "Total number of prompt turns",
		},
		[]string{"backend", "status"},
	)

	// PromptDuration tracks full turn latency
	PromptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_prompt_duration_seconds",
			Help:    "Prompt turn duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"backend"},
	)

	// EventLogDrops tracks events dropped on log overflow
	EventLogDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_event_log_drops_total",
			Help: "Total number of events dropped due to log overflow",
		},
		[]string{"session_id"},
	)

	// PermissionDecisions counts negotiator outcomes
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_permission_decisions_total",
			Help: "Total number of permission decisions",
		},
		[]string{"outcome"},
	)

	// ShellConnections tracks open interactive shell bridges
	ShellConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_shell_connections",
			Help: "Number of open interactive shell connections",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming responses
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses session ids out of paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/v1/sessions", "/v1/shell":
		return path
	default:
		if strings.HasPrefix(path, "/v1/sessions/") {
			if strings.HasSuffix(path, "/prompt") {
				return "/v1/sessions/{id}/prompt"
			}
			return "/v1/sessions/{id}"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart(backend string) {
	ActiveSessions.WithLabelValues(backend).Inc()
}

// RecordSessionEnd decrements the active session gauge and records duration
func RecordSessionEnd(backend, outcome string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(backend).Dec()
	SessionDuration.WithLabelValues(backend, outcome).Observe(durationSeconds)
}

// RecordPromptTurn records one completed prompt turn
func RecordPromptTurn(backend, status string, durationSeconds float64) {
	PromptTurns.WithLabelValues(backend, status).Inc()
	PromptDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordEventDrop records an event log drop
func RecordEventDrop(sessionID string) {
	EventLogDrops.WithLabelValues(sessionID).Inc()
}

// RecordPermissionDecision records a negotiator outcome
func RecordPermissionDecision(outcome string) {
	PermissionDecisions.WithLabelValues(outcome).Inc()
}
