package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_turns_started_total",
			Help: "Total number of conversation turns started",
		},
		[]string{"trigger"},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_turns_completed_total",
			Help: "Total number of conversation turns completed",
		},
		[]string{"trigger", "status"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"trigger"},
	)

	// Engine node metrics
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_node_duration_seconds",
			Help:    "Engine node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node", "status"},
	)

	SupervisorDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_supervisor_decisions_total",
			Help: "Supervisor routing decisions by outcome",
		},
		[]string{"outcome"},
	)

	RecursionLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbot_recursion_limit_hits_total",
			Help: "Turns forced to finish by the recursion ceiling",
		},
	)

	// Worker and tool metrics
	WorkerExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"team", "worker", "status"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_llm_requests_total",
			Help: "Total number of language model requests",
		},
		[]string{"kind", "model", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_llm_latency_seconds",
			Help:    "Language model request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind", "model"},
	)

	// Helper RPC metrics
	HelperRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_helper_requests_total",
			Help: "Total number of helper service requests",
		},
		[]string{"subject", "status"},
	)

	HelperLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_helper_latency_seconds",
			Help:    "Helper service request latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60},
		},
		[]string{"subject"},
	)

	// Checkpoint metrics
	CheckpointOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_checkpoint_ops_total",
			Help: "Checkpoint store operations",
		},
		[]string{"op", "status"},
	)

	CheckpointCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbot_checkpoint_cache_hits_total",
			Help: "Checkpoint reads served from the local cache",
		},
	)

	CheckpointCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbot_checkpoint_cache_misses_total",
			Help: "Checkpoint reads that went to Redis",
		},
	)

	CheckpointCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbot_checkpoint_cache_size",
			Help: "Number of checkpoints held in the local cache",
		},
	)

	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbot_threads_created_total",
			Help: "Total number of conversation threads created",
		},
	)

	// Notification metrics
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_notifications_received_total",
			Help: "Position change notifications consumed",
		},
		[]string{"status"},
	)

	// gRPC metrics
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"service", "method", "status"},
	)

	GRPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"service", "method"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbot_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)

	// Vector search metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_vector_searches_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	RAGSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatbot_rag_steps",
			Help:    "Self-reflective retrieval steps per query",
			Buckets: []float64{3, 5, 8, 12, 20, 30, 50},
		},
	)

	// Persistence metrics
	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_history_writes_total",
			Help: "Conversation history and evaluation writes",
		},
		[]string{"table", "status"},
	)

	// Evaluation metrics
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_evaluations_total",
			Help: "Turn evaluations by outcome",
		},
		[]string{"status"},
	)

	EvaluationScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbot_evaluation_score",
			Help:    "Evaluator scores per dimension",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1},
		},
		[]string{"dimension"},
	)

	EvaluationAssertions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_evaluation_assertions_total",
			Help: "Evaluator assertions that held",
		},
		[]string{"assertion"},
	)
)

// RecordTurnMetrics records metrics for a finished turn
func RecordTurnMetrics(trigger, status string, durationSeconds float64) {
	TurnsCompleted.WithLabelValues(trigger, status).Inc()
	TurnDuration.WithLabelValues(trigger).Observe(durationSeconds)
}

// RecordNodeMetrics records one engine node execution
func RecordNodeMetrics(node, status string, durationSeconds float64) {
	NodeDuration.WithLabelValues(node, status).Observe(durationSeconds)
}

// RecordLLMMetrics records one language model call
func RecordLLMMetrics(kind, model, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(kind, model, status).Inc()
	LLMLatency.WithLabelValues(kind, model).Observe(durationSeconds)
}

// RecordHelperMetrics records one helper RPC
func RecordHelperMetrics(subject, status string, durationSeconds float64) {
	HelperRequests.WithLabelValues(subject, status).Inc()
	HelperLatency.WithLabelValues(subject).Observe(durationSeconds)
}

// RecordGRPCMetrics records metrics for a gRPC request
func RecordGRPCMetrics(service, method, status string, durationSeconds float64) {
	GRPCRequestsTotal.WithLabelValues(service, method, status).Inc()
	GRPCRequestDuration.WithLabelValues(service, method).Observe(durationSeconds)
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}
