package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callflow"

// HTTP metrics (incremented by the InstrumentHandler middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Ingestion counters (incremented by the coordinator).
var (
	PacketsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_ingested_total",
		Help:      "Packets durably persisted.",
	})

	DuplicatePacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_packets_total",
		Help:      "Packets absorbed as duplicates of an existing (call_id, sequence).",
	})

	SequenceAnomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_anomalies_total",
		Help:      "Packets that arrived out of contiguous order.",
	}, []string{"kind"}) // "gap" or "reorder"

	CallsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_created_total",
		Help:      "Call rows created on first packet.",
	})
)

// Processor counters.
var (
	AIAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ai_attempts_total",
		Help:      "Transcription attempts, including retries.",
	})

	AIRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ai_retries_total",
		Help:      "Transcription attempts beyond the first for a call.",
	})

	CallsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_completed_total",
		Help:      "Calls that reached COMPLETED.",
	})

	CallsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_failed_total",
		Help:      "Calls that reached FAILED after exhausting retries.",
	})
)

// Notifier counters.
var (
	NotifierEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifier_events_total",
		Help:      "State-change events published to the notifier.",
	})

	NotifierDroppedSubscribersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifier_dropped_subscribers_total",
		Help:      "Subscribers dropped because their buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PacketsIngestedTotal,
		DuplicatePacketsTotal,
		SequenceAnomaliesTotal,
		CallsCreatedTotal,
		AIAttemptsTotal,
		AIRetriesTotal,
		CallsCompletedTotal,
		CallsFailedTotal,
		NotifierEventsTotal,
		NotifierDroppedSubscribersTotal,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(time.Since(start).Seconds())
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

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers (e.g. http.Hijacker for WebSocket upgrades).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
