// Package metrics owns the Prometheus collectors of the engine. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kbagent"

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeCached  = "cached"
)

type Metrics struct {
	embeddingRequests *prometheus.CounterVec
	embeddingDuration prometheus.Histogram

	generationRequests *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	breakerState       prometheus.Gauge

	retrievalHits    prometheus.Histogram
	upsertChunks     *prometheus.CounterVec
	agentAnswers     *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	embeddingBacklog prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors against reg. Tests pass a fresh
// prometheus.NewRegistry() to stay hermetic.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		embeddingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "requests_total",
			Help:      "Embedding calls partitioned by outcome.",
		}, []string{"outcome"}),

		embeddingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "duration_seconds",
			Help:      "Latency of embedding calls including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		generationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Language model calls partitioned by outcome.",
		}, []string{"outcome"}),

		generationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Latency of language model calls including retries.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),

		retrievalHits: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "hits",
			Help:      "Number of hits returned per search.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
		}),

		upsertChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "upsert_chunks_total",
			Help:      "Upserted chunks partitioned by result (created, updated, skipped).",
		}, []string{"result"}),

		agentAnswers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "answers_total",
			Help:      "Answer requests partitioned by outcome (direct, escalated, failed).",
		}, []string{"outcome"}),

		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "escalations_total",
			Help:      "Escalated answers partitioned by reason kind.",
		}, []string{"reason"}),

		embeddingBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "embedding_claimed",
			Help:      "Embedding jobs claimed in the last worker pass.",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests partitioned by method, route and status code.",
		}, []string{"method", "route", "code"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveEmbedding(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.embeddingRequests.WithLabelValues(outcome).Inc()
	m.embeddingDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveGeneration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.generationRequests.WithLabelValues(outcome).Inc()
	m.generationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetBreakerState records the numeric breaker state.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

func (m *Metrics) ObserveRetrieval(hits int) {
	if m == nil {
		return
	}
	m.retrievalHits.Observe(float64(hits))
}

func (m *Metrics) AddUpserted(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.upsertChunks.WithLabelValues(result).Add(float64(n))
}

// ObserveAnswer counts a finished answer; reason is empty for direct answers.
func (m *Metrics) ObserveAnswer(outcome, reason string) {
	if m == nil {
		return
	}
	m.agentAnswers.WithLabelValues(outcome).Inc()
	if reason != "" {
		m.escalations.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetEmbeddingClaimed(n int) {
	if m == nil {
		return
	}
	m.embeddingBacklog.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusLabel(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
