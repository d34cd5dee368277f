package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Task durations and outcomes
//   - LLM request performance and response times
//   - Tool execution patterns and latencies
//   - Checkpoint operations
//   - Attachment cache hit/miss rates
//   - Error rates categorized by type and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.TaskDuration.Observe(time.Since(start).Seconds())
type Metrics struct {
	// TaskDuration measures one runTask call's wall-clock time, from the
	// inbound user message to stream close, in seconds.
	// Labels: outcome (completed|cancelled|error)
	// Buckets: 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s
	TaskDuration *prometheus.HistogramVec

	// TaskCounter counts completed tasks by outcome.
	// Labels: outcome (completed|cancelled|error)
	TaskCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider (anthropic|openai), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// CheckpointCounter counts checkpoint operations.
	// Labels: operation (create|apply), status (success|error)
	CheckpointCounter *prometheus.CounterVec

	// AttachmentCacheCounter counts attachment cache lookups.
	// Labels: result (hit|miss)
	AttachmentCacheCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (engine|tool|interceptor|provider), error_type
	ErrorCounter *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ContextWindowUsed tracks context window utilization.
	// Labels: provider, model
	// Buckets: 1000, 4000, 8000, 16000, 32000, 64000, 128000
	ContextWindowUsed *prometheus.HistogramVec

	// RunAttempts counts run attempts (for retry tracking).
	// Labels: status (success|retry|failed)
	RunAttempts *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_task_duration_seconds",
				Help:    "Duration of runTask calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"outcome"},
		),

		TaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tasks_total",
				Help: "Total number of tasks by outcome",
			},
			[]string{"outcome"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CheckpointCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_checkpoint_operations_total",
				Help: "Total number of checkpoint operations by kind and status",
			},
			[]string{"operation", "status"},
		),

		AttachmentCacheCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_attachment_cache_total",
				Help: "Total number of attachment cache lookups by result",
			},
			[]string{"result"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_context_window_tokens",
				Help:    "Context window tokens used",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		RunAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_run_attempts_total",
				Help: "Total number of run attempts by status",
			},
			[]string{"status"},
		),
	}
}

// RecordTask records the outcome and duration of one completed runTask call.
//
// Example:
//
//	start := time.Now()
//	// ... run task ...
//	metrics.RecordTask("completed", time.Since(start).Seconds())
func (m *Metrics) RecordTask(outcome string, durationSeconds float64) {
	m.TaskCounter.WithLabelValues(outcome).Inc()
	m.TaskDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordCheckpoint records a checkpoint create or apply operation.
//
// Example:
//
//	metrics.RecordCheckpoint("create", "success")
//	metrics.RecordCheckpoint("apply", "error")
func (m *Metrics) RecordCheckpoint(operation, status string) {
	m.CheckpointCounter.WithLabelValues(operation, status).Inc()
}

// RecordAttachmentCacheLookup records whether a file attachment was already
// materialized on disk.
//
// Example:
//
//	metrics.RecordAttachmentCacheLookup("hit")
func (m *Metrics) RecordAttachmentCacheLookup(result string) {
	m.AttachmentCacheCounter.WithLabelValues(result).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("engine", "provider_timeout")
//	metrics.RecordError("attachcache", "download_failed")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordLLMCost records estimated API cost.
//
// Example:
//
//	metrics.RecordLLMCost("anthropic", "claude-3-opus", 0.015)
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordContextWindow records context window utilization.
//
// Example:
//
//	metrics.RecordContextWindow("anthropic", "claude-3-opus", 45000)
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// RecordRunAttempt records a run attempt.
//
// Example:
//
//	metrics.RecordRunAttempt("success")
//	metrics.RecordRunAttempt("retry")
//	metrics.RecordRunAttempt("failed")
func (m *Metrics) RecordRunAttempt(status string) {
	m.RunAttempts.WithLabelValues(status).Inc()
}
