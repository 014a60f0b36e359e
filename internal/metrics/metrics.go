package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "z_tutor"

// Metrics exposes Prometheus collectors for sessions, the response cache and
// completion calls. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive    prometheus.Gauge
	sessionsStarted   *prometheus.CounterVec
	teardowns         *prometheus.CounterVec
	teardownDeferred  prometheus.Counter
	teardownDuration  prometheus.Histogram
	messagesSaved     *prometheus.CounterVec
	cacheRequests     *prometheus.CounterVec
	cacheBackendError *prometheus.CounterVec
	completions       *prometheus.CounterVec
	completionLatency *prometheus.HistogramVec
}

// MustNewMetrics constructs and registers the collectors with reg. Tests
// should pass a fresh prometheus.NewRegistry() to avoid duplicate registration
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live tutoring sessions held in memory.",
		}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Sessions registered, split by whether a conversation was resumed.",
		}, []string{"resumed"}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "teardowns_total",
			Help:      "Completed teardowns by signal and outcome.",
		}, []string{"signal", "outcome"}),
		teardownDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "teardown_deferred_total",
			Help:      "Soft teardowns that waited for the AI to finish speaking.",
		}),
		teardownDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "teardown_duration_seconds",
			Help:      "Wall time of teardown including any speaking deferral.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		messagesSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Messages handled by the orchestrator by role and outcome.",
		}, []string{"role", "outcome"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Completion cache lookups by use case and result (hit, miss, bypass).",
		}, []string{"use_case", "result"}),
		cacheBackendError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "backend_errors_total",
			Help:      "Networked cache failures that triggered the in-process fallback.",
		}, []string{"op"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "requests_total",
			Help:      "Live completion calls by model and status.",
		}, []string{"model", "status"}),
		completionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "duration_seconds",
			Help:      "Latency of live completion calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsStarted,
		m.teardowns,
		m.teardownDeferred,
		m.teardownDuration,
		m.messagesSaved,
		m.cacheRequests,
		m.cacheBackendError,
		m.completions,
		m.completionLatency,
	)
	return m
}

// SessionStarted records a newly registered session.
func (m *Metrics) SessionStarted(resumed bool) {
	if m == nil {
		return
	}
	label := "false"
	if resumed {
		label = "true"
	}
	m.sessionsStarted.WithLabelValues(label).Inc()
	m.sessionsActive.Inc()
}

// SessionEnded records a finished teardown.
func (m *Metrics) SessionEnded(signal, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.teardowns.WithLabelValues(signal, outcome).Inc()
	m.teardownDuration.Observe(took.Seconds())
}

// TeardownDeferred counts a soft teardown held back by an in-flight AI turn.
func (m *Metrics) TeardownDeferred() {
	if m == nil {
		return
	}
	m.teardownDeferred.Inc()
}

// MessageHandled counts a saveMessage call.
func (m *Metrics) MessageHandled(role, outcome string) {
	if m == nil {
		return
	}
	m.messagesSaved.WithLabelValues(role, outcome).Inc()
}

// CacheRequest counts a cache decision for a use case.
func (m *Metrics) CacheRequest(useCase, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(useCase, result).Inc()
}

// CacheBackendError counts a networked cache failure.
func (m *Metrics) CacheBackendError(op string) {
	if m == nil {
		return
	}
	m.cacheBackendError.WithLabelValues(op).Inc()
}

// ObserveCompletion records a live completion call.
func (m *Metrics) ObserveCompletion(model, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(model, status).Inc()
	m.completionLatency.WithLabelValues(model).Observe(took.Seconds())
}
