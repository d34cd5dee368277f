// Package engine implements the Task Engine: the single-task
// orchestrator that ties the Model Provider, Interceptor Chain,
// Checkpoint Store, History Repository, and Attachment Cache together
// into one runTask/wait/applyCheckpoint lifecycle, structured as a
// stream/execute-tools/continue state machine driven by the
// Interceptor Chain each turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcore/runtime/internal/attachcache"
	"github.com/agentcore/runtime/internal/checkpoint"
	"github.com/agentcore/runtime/internal/history"
	"github.com/agentcore/runtime/internal/interceptor"
	"github.com/agentcore/runtime/internal/observability"
	"github.com/agentcore/runtime/internal/provider"
	"github.com/agentcore/runtime/internal/taskstream"
	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxIterations is used when RunOptions.MaxIterations is unset.
const DefaultMaxIterations = 25

// runningTaskCount tracks tasks in flight across every Engine instance
// in this process, surfaced through diagnostic heartbeat events.
var runningTaskCount int64

// SystemPromptLoader reloads the system prompt at the start of every
// task, so a caller can edit it on disk between tasks without
// restarting the engine.
type SystemPromptLoader func(ctx context.Context) (string, error)

// Config wires the collaborators one Engine instance owns.
type Config struct {
	Provider provider.ModelProvider
	// ProviderName labels diagnostic model-usage events ("anthropic",
	// "openai"); purely cosmetic, left blank if unset.
	ProviderName string
	Chain        *interceptor.Chain
	History     history.Repository
	Checkpoints *checkpoint.Store // nil disables checkpointing
	Attachments *attachcache.Cache
	Tools       *toolregistry.Registry

	WorkingDirectory string

	SystemPromptLoader SystemPromptLoader

	// TaskTimeout arms a one-shot timer for every task, merged with the
	// caller's own cancellation signal (the composite is what every
	// await point in the single-turn loop observes). Zero disables it:
	// only the caller's signal is observed.
	TaskTimeout time.Duration

	Logger *slog.Logger

	// Tracer, Metrics, and Events are optional; a nil value disables that
	// concern. Events records a replayable per-task timeline (tool calls,
	// task start/end) independent of the live taskstream.Stream, which has
	// exactly one subscriber-facing purpose and is not itself replayable.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
	Events  *observability.EventRecorder
}

// RunOptions configures one RunTask call.
type RunOptions struct {
	// MaxIterations caps the number of model turns. DefaultMaxIterations
	// is used when zero.
	MaxIterations int

	// FileAttachmentIDs are resolved into file_attachment content blocks
	// on the inbound user message.
	FileAttachmentIDs []string
}

// Engine executes one task at a time against a fixed model name,
// streaming Task Events to a single consumer. At most one task may be
// in flight per Engine instance, enforced by a single mutex-guarded
// running flag checked synchronously before any suspension point.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	running       bool
	done          chan struct{}
	messages      []runtime.Message
	historyLoaded bool
}

// New creates an Engine from cfg. Provider, History, and Tools are
// required; Checkpoints and Attachments may be nil to disable those
// features.
func New(cfg Config) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("engine: interceptor chain is required")
	}
	if cfg.History == nil {
		return nil, errors.New("engine: history repository is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = toolregistry.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log}, nil
}

// LoadHistory loads the conversation from the configured repository,
// replacing any in-memory messages. Callers use this explicitly to
// make a checkpoint rollback visible before the next RunTask call;
// RunTask itself only loads history as a fallback if this was never
// called.
func (e *Engine) LoadHistory() error {
	messages, err := e.cfg.History.Load()
	if err != nil {
		return fmt.Errorf("engine: load history: %w", err)
	}
	e.mu.Lock()
	e.messages = messages
	e.historyLoaded = true
	e.mu.Unlock()
	return nil
}

// RunTask starts one task: it streams a multicast sequence of Task
// Events and runs until the model stops requesting tool use, an error
// occurs, the task is cancelled, or MaxIterations is reached. The
// check-and-set of the running flag happens synchronously in this
// call, before any suspension point, so two concurrent RunTask calls
// can never both proceed.
func (e *Engine) RunTask(ctx context.Context, taskDescription, model string, opts RunOptions) (*taskstream.Stream, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, &runtime.TaskConcurrencyError{}
	}
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	runCtx, cancel := e.mergeCancellation(ctx)
	stream := taskstream.New()
	taskID := runtime.NewTaskID()

	atomic.AddInt64(&runningTaskCount, 1)
	go func() {
		defer cancel()
		defer atomic.AddInt64(&runningTaskCount, -1)
		defer func() {
			e.mu.Lock()
			e.running = false
			close(e.done)
			e.mu.Unlock()
		}()
		e.runTask(runCtx, stream, taskID, taskDescription, model, opts.FileAttachmentIDs, maxIterations)
	}()

	return stream, nil
}

// mergeCancellation arms the optional per-task timeout as a
// context.WithTimeout derived from the caller's ctx, so ctx.Err()
// alone (context.DeadlineExceeded vs context.Canceled) tells the
// cancellation path which of the two sources tripped.
func (e *Engine) mergeCancellation(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.TaskTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.TaskTimeout)
}

func cancelReason(ctx context.Context) runtime.CancelReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return runtime.CancelReasonTimeout
	}
	return runtime.CancelReasonUser
}

// Wait resolves when the in-flight task finishes, or returns
// runtime.ErrNoTaskRunning if none is in flight.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return runtime.ErrNoTaskRunning
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyCheckpoint restores the workspace to checkpointID and truncates
// in-memory and persisted history to just before the message that
// carries it. It fails while a task is in flight: rollback requires
// exclusive access to the working directory and message history.
func (e *Engine) ApplyCheckpoint(checkpointID string) (bool, error) {
	if e.cfg.Checkpoints == nil {
		return false, errors.New("engine: checkpointing is not enabled")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false, runtime.ErrTaskAlreadyRunning
	}

	if err := e.cfg.Checkpoints.ApplyCheckpoint(checkpointID); err != nil {
		e.recordCheckpointMetric("apply", "error")
		observability.EmitCheckpointApplied(&observability.CheckpointEvent{CheckpointID: checkpointID, Status: "error", Error: err.Error()})
		return false, err
	}
	e.recordCheckpointMetric("apply", "success")
	observability.EmitCheckpointApplied(&observability.CheckpointEvent{CheckpointID: checkpointID, Status: "success"})

	truncated := e.messages
	for i, msg := range e.messages {
		if msg.CheckpointID == checkpointID {
			truncated = e.messages[:i]
			break
		}
	}
	e.messages = truncated
	e.historyLoaded = true

	if err := e.cfg.History.Save(e.messages); err != nil {
		return false, fmt.Errorf("engine: persist truncated history: %w", err)
	}
	return true, nil
}

// runTask is the body of one task, run on its own goroutine. It never
// panics the engine: provider/history/checkpoint failures are either
// surfaced through the stream's error channel or logged, per the
// failure semantics below.
func (e *Engine) runTask(ctx context.Context, stream *taskstream.Stream, taskID, taskDescription, model string, fileAttachmentIDs []string, maxIterations int) {
	ctx = observability.AddTaskID(ctx, taskID)
	start := time.Now()
	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = e.cfg.Tracer.TraceTurn(ctx, model, taskID)
		defer span.End()
	}
	var taskErr error
	outcome := "completed"
	defer func() { e.recordTaskMetric(outcome, time.Since(start)) }()
	observability.EmitTaskState(&observability.TaskStateEvent{State: observability.TaskStateRunning})
	defer func() {
		state := observability.TaskStateCompleted
		switch outcome {
		case "error":
			state = observability.TaskStateError
		case "cancelled":
			state = observability.TaskStateCancelled
		}
		observability.EmitTaskState(&observability.TaskStateEvent{PrevState: observability.TaskStateRunning, State: state})
	}()
	if e.cfg.Events != nil {
		_ = e.cfg.Events.RecordTaskStart(ctx, taskID, map[string]interface{}{"description": taskDescription, "model": model})
		defer func() { _ = e.cfg.Events.RecordTaskEnd(ctx, time.Since(start), taskErr) }()
	}

	if err := e.setup(ctx, stream, taskDescription, fileAttachmentIDs); err != nil {
		outcome = "error"
		taskErr = err
		stream.CloseWithError(err)
		return
	}

	proxy := &conversationProxy{engine: e, stream: stream}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if ctx.Err() != nil {
			outcome = "cancelled"
			e.finishCancelled(ctx, stream)
			return
		}

		observability.EmitDiagnosticHeartbeat(&observability.DiagnosticHeartbeatEvent{
			RunningTasks: int(atomic.LoadInt64(&runningTaskCount)),
		})

		turnStart := time.Now()
		final, err := e.streamTurn(ctx, stream, model)
		if err != nil {
			if ctx.Err() != nil {
				outcome = "cancelled"
				e.finishCancelled(ctx, stream)
				return
			}
			outcome = "error"
			taskErr = err
			e.persistHistory()
			stream.CloseWithError(&runtime.ProviderError{Err: err})
			return
		}

		observability.EmitModelUsage(&observability.ModelUsageEvent{
			TaskID:   taskID,
			Provider: e.cfg.ProviderName,
			Model:    model,
			Usage: observability.UsageDetails{
				Input:  int64(final.Usage.InputTokens),
				Output: int64(final.Usage.OutputTokens),
				Total:  int64(final.Usage.InputTokens + final.Usage.OutputTokens),
			},
			DurationMs: time.Since(turnStart).Milliseconds(),
		})

		if err := proxy.Append(ctx, final.Message); err != nil {
			outcome = "cancelled"
			e.finishCancelled(ctx, stream)
			return
		}

		if ctx.Err() != nil {
			outcome = "cancelled"
			e.finishCancelled(ctx, stream)
			return
		}

		result, err := e.cfg.Chain.Run(ctx, interceptor.Context{
			Conversation:     proxy,
			LastResponseText: final.Message.Text(),
			Tools:            e.cfg.Tools.List(),
			WorkingDirectory: e.cfg.WorkingDirectory,
			StopReason:       final.StopReason,
			Events:           stream,
		})
		if err != nil {
			// Chain.Run only returns a non-nil error for context
			// cancellation between interceptors; per-interceptor
			// failures are isolated inside Run.
			outcome = "cancelled"
			e.finishCancelled(ctx, stream)
			return
		}

		if result.Decision != interceptor.Continue {
			e.persistHistory()
			stream.Close()
			return
		}
	}

	// maxIterations reached: normal completion, no special event.
	e.persistHistory()
	stream.Close()
}

func (e *Engine) recordTaskMetric(outcome string, elapsed time.Duration) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordTask(outcome, elapsed.Seconds())
	}
}

func (e *Engine) recordCheckpointMetric(operation, status string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordCheckpoint(operation, status)
	}
}

// setup performs the pre-task steps: reload the system prompt,
// fall back to loading history if it was never explicitly loaded,
// create a pre-task checkpoint if enabled, append the inbound user
// message, and materialize the attachment cache.
func (e *Engine) setup(ctx context.Context, stream *taskstream.Stream, taskDescription string, fileAttachmentIDs []string) error {
	if e.cfg.SystemPromptLoader != nil {
		if _, err := e.cfg.SystemPromptLoader(ctx); err != nil {
			return fmt.Errorf("engine: reload system prompt: %w", err)
		}
	}

	e.mu.Lock()
	historyLoaded := e.historyLoaded
	e.mu.Unlock()
	if !historyLoaded {
		if err := e.LoadHistory(); err != nil {
			return err
		}
	}

	content := []runtime.ContentBlock{runtime.NewTextBlock(taskDescription)}
	for _, fileID := range fileAttachmentIDs {
		content = append(content, runtime.NewFileAttachmentBlock(fileID, ""))
	}
	userMsg := runtime.Message{
		ID:        runtime.NewMessageID(),
		Role:      runtime.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}

	if e.cfg.Checkpoints != nil {
		name := "Before task: " + truncate(taskDescription, 50)
		checkpointID, err := e.cfg.Checkpoints.CreateCheckpoint(name)
		if err != nil {
			e.recordCheckpointMetric("create", "error")
			observability.EmitCheckpointCreated(&observability.CheckpointEvent{Status: "error", Error: err.Error()})
			return fmt.Errorf("engine: create pre-task checkpoint: %w", err)
		}
		e.recordCheckpointMetric("create", "success")
		observability.EmitCheckpointCreated(&observability.CheckpointEvent{CheckpointID: checkpointID, Status: "success"})
		userMsg.CheckpointID = checkpointID
	}

	e.mu.Lock()
	e.messages = append(e.messages, userMsg)
	messagesSnapshot := e.messages
	e.mu.Unlock()

	if err := stream.Emit(ctx, runtime.NewMessageEvent(userMsg)); err != nil {
		return err
	}

	if e.cfg.Attachments != nil {
		if _, err := e.cfg.Attachments.CacheMessageFileAttachments(ctx, messagesSnapshot); err != nil {
			return fmt.Errorf("engine: materialize attachment cache: %w", err)
		}
	}
	return nil
}

// streamTurn invokes the model provider for one turn, forwarding text
// deltas as they arrive and awaiting the deferred final message.
func (e *Engine) streamTurn(ctx context.Context, stream *taskstream.Stream, model string) (provider.FinalMessage, error) {
	attachmentCache, err := e.attachmentCacheMap(ctx)
	if err != nil {
		return provider.FinalMessage{}, err
	}

	e.mu.Lock()
	messages := append([]runtime.Message(nil), e.messages...)
	e.mu.Unlock()

	providerStream, err := e.cfg.Provider.StreamChat(ctx, provider.Params{
		Model:     model,
		Messages:  messages,
		Tools:     e.cfg.Tools.List(),
		MaxTokens: 0,
	}, attachmentCache)
	if err != nil {
		return provider.FinalMessage{}, err
	}

	for event := range providerStream.Events() {
		switch event.Type {
		case provider.ProviderEventText:
			if err := stream.Emit(ctx, runtime.NewTextEvent(event.Text)); err != nil {
				return provider.FinalMessage{}, err
			}
		case provider.ProviderEventMessage:
			// The provider's only message event is its final one;
			// streamTurn's caller appends it once FinalMessage resolves
			// below, so an intermediate forward here would duplicate it.
		}
	}

	return providerStream.FinalMessage()
}

func (e *Engine) attachmentCacheMap(ctx context.Context) (provider.AttachmentCacheMap, error) {
	if e.cfg.Attachments == nil {
		return nil, nil
	}
	e.mu.Lock()
	messages := append([]runtime.Message(nil), e.messages...)
	e.mu.Unlock()

	entries, err := e.cfg.Attachments.CacheMessageFileAttachments(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("engine: materialize attachment cache: %w", err)
	}
	out := make(provider.AttachmentCacheMap, len(entries))
	for fileID, entry := range entries {
		out[fileID] = provider.CachedAttachment{CachePath: entry.CachePath, SignedURL: entry.SignedURL}
	}
	return out, nil
}

func (e *Engine) finishCancelled(ctx context.Context, stream *taskstream.Stream) {
	reason := cancelReason(ctx)
	// Emit on a background context: ctx is already done, and a
	// cancelled event must still reach subscribers.
	_ = stream.Emit(context.Background(), runtime.NewCancelledEvent(reason))
	e.persistHistory()
	stream.Close()
}

func (e *Engine) persistHistory() {
	e.mu.Lock()
	messages := append([]runtime.Message(nil), e.messages...)
	e.mu.Unlock()

	if err := e.cfg.History.Save(messages); err != nil {
		e.log.Error("engine: persist history failed", "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// conversationProxy is the event-subject proxy the engine exposes to
// interceptors: Append mutates the engine's message list and
// automatically emits a message task event. Other mutations are the
// interceptor's own responsibility to announce.
type conversationProxy struct {
	engine *Engine
	stream *taskstream.Stream
}

func (p *conversationProxy) Messages() []runtime.Message {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return append([]runtime.Message(nil), p.engine.messages...)
}

func (p *conversationProxy) Append(ctx context.Context, msg runtime.Message) error {
	p.engine.mu.Lock()
	p.engine.messages = append(p.engine.messages, msg)
	p.engine.mu.Unlock()
	return p.stream.Emit(ctx, runtime.NewMessageEvent(msg))
}
