package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentcore/runtime/internal/observability"
	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

// ApprovalFunc gates a tool call on an external verdict before it runs.
// Implementations must respect ctx cancellation.
type ApprovalFunc func(ctx context.Context, toolName string, parameters json.RawMessage) (bool, error)

// DefaultToolConcurrency bounds how many tool_use blocks from one
// assistant message run at once, via golang.org/x/sync/errgroup.SetLimit
// rather than a hand-rolled semaphore.
const DefaultToolConcurrency = 8

// ToolExecutionInterceptor is the Tool-Execution Interceptor: it fires
// whenever the last assistant message carries tool_use blocks, resolves
// each against a registry, optionally gates it on approval, executes it
// concurrently, and appends a single user message carrying every
// tool_result in tool_use order.
type ToolExecutionInterceptor struct {
	Registry    *toolregistry.Registry
	Approve     ApprovalFunc // optional; nil means no approval gate
	Concurrency int          // 0 means DefaultToolConcurrency

	Tracer  *observability.Tracer       // optional
	Metrics *observability.Metrics      // optional
	Events  *observability.EventRecorder // optional; records tool start/end onto the task's replayable timeline
}

func (i *ToolExecutionInterceptor) Name() string { return "tool-execution" }

func (i *ToolExecutionInterceptor) Description() string {
	return "resolves, approves, and executes tool_use blocks from the last assistant message"
}

func (i *ToolExecutionInterceptor) Intercept(ctx context.Context, ic Context) (Result, error) {
	messages := ic.Conversation.Messages()
	if len(messages) == 0 {
		return Result{Decision: Complete}, nil
	}
	last := messages[len(messages)-1]
	if last.Role != runtime.RoleAssistant || !last.HasToolUse() {
		return Result{Decision: Complete}, nil
	}

	toolUses := last.ToolUseBlocks()
	results := make([]runtime.ContentBlock, len(toolUses))

	limit := i.Concurrency
	if limit <= 0 {
		limit = DefaultToolConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for idx, block := range toolUses {
		idx, block := idx, block
		g.Go(func() error {
			results[idx] = i.runOne(gctx, ic, block)
			return nil
		})
	}
	// Errors from individual tools never abort the group: runOne always
	// converts failures into an error tool_result block instead of
	// returning an error, so Wait only ever reports context
	// cancellation.
	if err := g.Wait(); err != nil {
		return Result{Decision: Complete}, err
	}

	resultMsg := runtime.Message{
		ID:      runtime.NewMessageID(),
		Role:    runtime.RoleUser,
		Content: results,
	}
	if err := ic.Conversation.Append(ctx, resultMsg); err != nil {
		return Result{Decision: Complete}, err
	}

	return Result{Decision: Continue, Reasoning: "tool results appended, model turn continues"}, nil
}

func (i *ToolExecutionInterceptor) runOne(ctx context.Context, ic Context, block runtime.ContentBlock) runtime.ContentBlock {
	start := time.Now()
	if i.Tracer != nil {
		var span trace.Span
		ctx, span = i.Tracer.TraceToolExecution(ctx, block.ToolName)
		defer span.End()
	}
	status := "success"
	var execErr error
	defer func() {
		if i.Metrics != nil {
			i.Metrics.RecordToolExecution(block.ToolName, status, time.Since(start).Seconds())
		}
		observability.EmitToolExecuted(&observability.ToolExecutedEvent{
			ToolName:   block.ToolName,
			Status:     status,
			DurationMs: time.Since(start).Milliseconds(),
		})
		if i.Events != nil {
			_ = i.Events.RecordToolEnd(ctx, block.ToolName, time.Since(start), nil, execErr)
		}
	}()
	if i.Events != nil {
		_ = i.Events.RecordToolStart(ctx, block.ToolName, block.ToolInput)
	}

	_ = ic.Events.Emit(ctx, runtime.NewToolUseEvent(block.ToolName))

	tool, ok := i.Registry.Get(block.ToolName)
	if !ok {
		status = "error"
		execErr = fmt.Errorf("tool not found: %s", block.ToolName)
		return errorResult(block.ToolUseID, execErr.Error())
	}

	if i.Approve != nil {
		_ = ic.Events.Emit(ctx, runtime.NewToolUsePendingApprovalEvent(block.ToolName, json.RawMessage(block.ToolInput)))
		approved, err := i.awaitApproval(ctx, block)
		if err != nil {
			status = "error"
			execErr = fmt.Errorf("approval failed: %w", err)
			return errorResult(block.ToolUseID, execErr.Error())
		}
		if !approved {
			status = "error"
			execErr = errors.New("tool execution denied")
			return errorResult(block.ToolUseID, execErr.Error())
		}
		_ = ic.Events.Emit(ctx, runtime.NewToolUseApprovedEvent(block.ToolName))
	}

	output, err := tool.Execute(ctx, block.ToolInput, ic.WorkingDirectory)
	if err != nil {
		status = "error"
		toolErr := &runtime.ToolExecutionError{ToolName: block.ToolName, ToolUseID: block.ToolUseID, Err: err}
		execErr = toolErr
		return errorResult(block.ToolUseID, toolErr.Error())
	}

	return translateOutput(block.ToolUseID, output)
}

func (i *ToolExecutionInterceptor) awaitApproval(ctx context.Context, block runtime.ContentBlock) (bool, error) {
	type verdict struct {
		approved bool
		err      error
	}
	done := make(chan verdict, 1)
	go func() {
		approved, err := i.Approve(ctx, block.ToolName, block.ToolInput)
		done <- verdict{approved, err}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case v := <-done:
		return v.approved, v.err
	}
}

// translateOutput converts a tool's return value into a tool_result
// content block, per the string | structuredContent | content union:
// a plain string becomes one text block, structured
// content is JSON-serialized into one text block, and content items
// map 1:1 onto nested text/image blocks. An IsError result is still a
// tool_result (never an engine-level error); the model sees the
// failure as ordinary conversation content and may retry.
func translateOutput(toolUseID string, output toolregistry.ToolOutput) runtime.ContentBlock {
	switch output.Kind {
	case toolregistry.ToolOutputString:
		return runtime.NewToolResultBlock(toolUseID, runtime.NewTextBlock(output.Str))
	case toolregistry.ToolOutputStructured:
		data, err := json.Marshal(output.StructuredContent)
		if err != nil {
			return errorResult(toolUseID, fmt.Sprintf("failed to serialize tool output: %v", err))
		}
		return runtime.NewToolResultBlock(toolUseID, runtime.NewTextBlock(string(data)))
	case toolregistry.ToolOutputContent:
		blocks := make([]runtime.ContentBlock, 0, len(output.Content))
		for _, item := range output.Content {
			switch item.Type {
			case toolregistry.ToolContentImage:
				blocks = append(blocks, runtime.NewImageBlock(runtime.ImageSource{
					Kind:      runtime.ImageSourceBase64,
					MediaType: item.MediaType,
					Data:      item.Data,
				}))
			default:
				blocks = append(blocks, runtime.NewTextBlock(item.Text))
			}
		}
		return runtime.NewToolResultBlock(toolUseID, blocks...)
	default:
		return errorResult(toolUseID, "tool returned no output")
	}
}

func errorResult(toolUseID, message string) runtime.ContentBlock {
	return runtime.NewToolResultBlock(toolUseID, runtime.NewTextBlock(message))
}
