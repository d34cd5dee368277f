package runtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers classify with errors.Is.
var (
	// ErrTaskAlreadyRunning is returned by Engine.RunTask when a task is
	// already in flight on that engine instance.
	ErrTaskAlreadyRunning = errors.New("runtime: task already running")

	// ErrNoTaskRunning is returned by Engine.Wait when no task is in flight.
	ErrNoTaskRunning = errors.New("runtime: no task running")

	// ErrCheckpointNotFound is returned when a checkpoint id does not
	// resolve to a recorded checkpoint.
	ErrCheckpointNotFound = errors.New("runtime: checkpoint not found")

	// ErrAborted indicates the caller's signal or an internal timeout
	// tripped the merged cancellation condition.
	ErrAborted = errors.New("runtime: aborted")

	// ErrDuplicateInterceptor is returned by Chain.Register when an
	// interceptor with the same name is already registered.
	ErrDuplicateInterceptor = errors.New("runtime: duplicate interceptor name")

	// ErrToolNotFound is returned when a tool_use block names a tool the
	// registry does not know about.
	ErrToolNotFound = errors.New("runtime: tool not found")
)

// ToolExecutionError wraps a tool's failure. It is never surfaced to
// the caller of runTask directly: the Tool-Execution Interceptor
// converts it into an error tool_result block fed back to the model
// into an error tool_result block.
type ToolExecutionError struct {
	ToolName  string
	ToolUseID string
	Err       error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (%s): %v", e.ToolName, e.ToolUseID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// CheckpointError wraps a failure in the checkpoint store. It bubbles
// to the caller of createCheckpoint/applyCheckpoint without corrupting
// message history.
type CheckpointError struct {
	Op  string
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// StorageError wraps a failure in the attachment cache's storage
// service. It is never propagated to the engine: callers log it and
// omit the affected attachment from the model context.
type StorageError struct {
	FileID string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("attachment %s: %v", e.FileID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TaskConcurrencyError is the data-carrying form of ErrTaskAlreadyRunning,
// reported when a second runTask call races the first.
type TaskConcurrencyError struct{}

func (e *TaskConcurrencyError) Error() string { return ErrTaskAlreadyRunning.Error() }

func (e *TaskConcurrencyError) Is(target error) bool { return target == ErrTaskAlreadyRunning }

// ProviderError wraps an upstream model-provider transport failure. It
// propagates to subscribers and ends the event stream.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("provider error: %v", e.Err) }

func (e *ProviderError) Unwrap() error { return e.Err }

// InterceptorError wraps a panic or error recovered from a single
// interceptor. It is logged and treated as COMPLETE for that
// interceptor only; the rest of the chain still runs.
type InterceptorError struct {
	InterceptorName string
	Err             error
}

func (e *InterceptorError) Error() string {
	return fmt.Sprintf("interceptor %q: %v", e.InterceptorName, e.Err)
}

func (e *InterceptorError) Unwrap() error { return e.Err }
