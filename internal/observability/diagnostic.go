// Package observability provides diagnostic event types and emission.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateCancelled TaskState = "cancelled"
	TaskStateError     TaskState = "error"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeModelUsage          DiagnosticEventType = "model.usage"
	EventTypeTaskState           DiagnosticEventType = "task.state"
	EventTypeCheckpointCreated   DiagnosticEventType = "checkpoint.created"
	EventTypeCheckpointApplied   DiagnosticEventType = "checkpoint.applied"
	EventTypeAttachmentCache     DiagnosticEventType = "attachment.cache"
	EventTypeToolExecuted        DiagnosticEventType = "tool.executed"
	EventTypeRunAttempt          DiagnosticEventType = "run.attempt"
	EventTypeDiagnosticHeartbeat DiagnosticEventType = "diagnostic.heartbeat"
)

// DiagnosticEvent is the base event structure.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ModelUsageEvent tracks token usage for a model request.
type ModelUsageEvent struct {
	DiagnosticEvent
	TaskID     string          `json:"task_id,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      UsageDetails    `json:"usage"`
	Context    *ContextDetails `json:"context,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// UsageDetails contains token usage breakdown.
type UsageDetails struct {
	Input        int64 `json:"input,omitempty"`
	Output       int64 `json:"output,omitempty"`
	CacheRead    int64 `json:"cache_read,omitempty"`
	CacheWrite   int64 `json:"cache_write,omitempty"`
	PromptTokens int64 `json:"prompt_tokens,omitempty"`
	Total        int64 `json:"total,omitempty"`
}

// ContextDetails contains context window information.
type ContextDetails struct {
	Limit int64 `json:"limit,omitempty"`
	Used  int64 `json:"used,omitempty"`
}

// TaskStateEvent tracks task lifecycle transitions.
type TaskStateEvent struct {
	DiagnosticEvent
	TaskID    string    `json:"task_id"`
	PrevState TaskState `json:"prev_state,omitempty"`
	State     TaskState `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
}

// CheckpointEvent tracks checkpoint create/apply operations.
type CheckpointEvent struct {
	DiagnosticEvent
	TaskID       string `json:"task_id"`
	CheckpointID string `json:"checkpoint_id"`
	Status       string `json:"status"` // "success", "error"
	Error        string `json:"error,omitempty"`
}

// AttachmentCacheEvent tracks attachment cache lookups.
type AttachmentCacheEvent struct {
	DiagnosticEvent
	TaskID string `json:"task_id,omitempty"`
	FileID string `json:"file_id"`
	Result string `json:"result"` // "hit", "miss"
}

// ToolExecutedEvent tracks one tool_use resolution.
type ToolExecutedEvent struct {
	DiagnosticEvent
	TaskID     string `json:"task_id,omitempty"`
	ToolName   string `json:"tool_name"`
	Status     string `json:"status"` // "success", "error"
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// RunAttemptEvent tracks max-tokens continuation attempts.
type RunAttemptEvent struct {
	DiagnosticEvent
	TaskID  string `json:"task_id,omitempty"`
	Attempt int    `json:"attempt"`
}

// DiagnosticHeartbeatEvent reports periodic engine-level counters.
type DiagnosticHeartbeatEvent struct {
	DiagnosticEvent
	RunningTasks int `json:"running_tasks"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

// Implement DiagnosticEventPayload for all event types
func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

// DiagnosticEmitter manages diagnostic event emission.
type DiagnosticEmitter struct {
	mu        sync.RWMutex
	seq       int64
	enabled   bool
	listeners []DiagnosticListener
}

var globalEmitter = &DiagnosticEmitter{}

// SetDiagnosticsEnabled enables or disables diagnostic events.
func SetDiagnosticsEnabled(enabled bool) {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.enabled = enabled
}

// IsDiagnosticsEnabled returns whether diagnostics are enabled.
func IsDiagnosticsEnabled() bool {
	globalEmitter.mu.RLock()
	defer globalEmitter.mu.RUnlock()
	return globalEmitter.enabled
}

// OnDiagnosticEvent registers a listener for diagnostic events.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.listeners = append(globalEmitter.listeners, listener)

	// Return unsubscribe function
	return func() {
		globalEmitter.mu.Lock()
		defer globalEmitter.mu.Unlock()
		for i, l := range globalEmitter.listeners {
			// Compare function pointers (this is a simplification)
			if &l == &listener {
				globalEmitter.listeners = append(globalEmitter.listeners[:i], globalEmitter.listeners[i+1:]...)
				break
			}
		}
	}
}

// nextSeq returns the next sequence number.
func nextSeq() int64 {
	return atomic.AddInt64(&globalEmitter.seq, 1)
}

// emit sends an event to all listeners.
func emit(event DiagnosticEventPayload) {
	globalEmitter.mu.RLock()
	if !globalEmitter.enabled {
		globalEmitter.mu.RUnlock()
		return
	}
	listeners := make([]DiagnosticListener, len(globalEmitter.listeners))
	copy(listeners, globalEmitter.listeners)
	globalEmitter.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					_ = recovered
				}
			}() // Ignore listener panics
			listener(event)
		}()
	}
}

// EmitModelUsage emits a model usage event.
func EmitModelUsage(e *ModelUsageEvent) {
	e.Type = EventTypeModelUsage
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitTaskState emits a task lifecycle transition event.
func EmitTaskState(e *TaskStateEvent) {
	e.Type = EventTypeTaskState
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitCheckpointCreated emits a checkpoint creation event.
func EmitCheckpointCreated(e *CheckpointEvent) {
	e.Type = EventTypeCheckpointCreated
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitCheckpointApplied emits a checkpoint rollback event.
func EmitCheckpointApplied(e *CheckpointEvent) {
	e.Type = EventTypeCheckpointApplied
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitAttachmentCache emits an attachment cache lookup event.
func EmitAttachmentCache(e *AttachmentCacheEvent) {
	e.Type = EventTypeAttachmentCache
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitToolExecuted emits a tool execution event.
func EmitToolExecuted(e *ToolExecutedEvent) {
	e.Type = EventTypeToolExecuted
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitRunAttempt emits a continuation-attempt event.
func EmitRunAttempt(e *RunAttemptEvent) {
	e.Type = EventTypeRunAttempt
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitDiagnosticHeartbeat emits a diagnostic heartbeat event.
func EmitDiagnosticHeartbeat(e *DiagnosticHeartbeatEvent) {
	e.Type = EventTypeDiagnosticHeartbeat
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// ResetDiagnosticsForTest resets diagnostic state for testing.
func ResetDiagnosticsForTest() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	atomic.StoreInt64(&globalEmitter.seq, 0)
	globalEmitter.listeners = nil
}
