package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_turns_started_total",
			Help: "Total number of chat turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_turns_completed_total",
			Help: "Total number of chat turns completed",
		},
		[]string{"outcome"}, // done, cancelled, failed, insufficient_evidence
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_turn_duration_seconds",
			Help:    "End-to-end chat turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		},
	)

	StateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_state_duration_seconds",
			Help:    "Per-state duration of the turn state machine",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	// Retrieval metrics
	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_retrieval_duration_seconds",
			Help:    "Index search duration by source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "status"}, // lexical|vector, ok|error
	)

	RetrievalDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_retrieval_degraded_total",
			Help: "Retrievals that fell back to a single index",
		},
		[]string{"surviving_source"},
	)

	RerankSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_rerank_skipped_total",
			Help: "Rerank passes skipped because the backend was unavailable",
		},
	)

	// Grounding metrics
	EnforcerVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_enforcer_verdicts_total",
			Help: "Evidence enforcer verdicts",
		},
		[]string{"verdict"}, // accepted, regenerate, insufficient_evidence
	)

	Regenerations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_regenerations_total",
			Help: "Answers regenerated after an enforcer rejection",
		},
	)

	CitationRewrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_citation_rewrites_total",
			Help: "Citation ordinals rewritten to preserve map stability",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docqa_session_cache_size",
			Help: "Number of sessions held in the in-process cache",
		},
	)

	SessionFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_session_flushes_total",
			Help: "Session store flushes by status",
		},
		[]string{"status"},
	)

	SessionBusyRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_session_busy_rejections_total",
			Help: "Requests rejected because the session had an in-flight turn",
		},
	)

	// Model backends
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_embedding_requests_total",
			Help: "Embedding lookups by outcome",
		},
		[]string{"outcome"}, // lru_hit, cache_hit, fetched, error
	)

	EmbeddingBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_embedding_batch_size",
			Help:    "Texts per embedding batch sent upstream",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_generation_duration_seconds",
			Help:    "LLM generation duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"mode", "status"}, // whole|stream, ok|error|cancelled
	)

	GenerationTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_generation_tokens",
			Help:    "Completion tokens per generation",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000},
		},
	)

	LLMInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docqa_llm_in_flight",
			Help: "Concurrent LLM calls currently held against the semaphore",
		},
	)

	StreamInterruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_stream_interruptions_total",
			Help: "Streams terminated by client interrupt or disconnect",
		},
	)

	// Circuit breaker state per backend (0 closed, 1 half-open, 2 open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docqa_circuit_breaker_state",
			Help: "Circuit breaker state by backend",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions by backend",
		},
		[]string{"name"},
	)
)

// RecordRetrieval records one index search observation.
func RecordRetrieval(source, status string, seconds float64) {
	RetrievalDuration.WithLabelValues(source, status).Observe(seconds)
}

// RecordEmbedding records one embedding lookup outcome.
func RecordEmbedding(outcome string) {
	EmbeddingRequests.WithLabelValues(outcome).Inc()
}
