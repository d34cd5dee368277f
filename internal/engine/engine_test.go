package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/checkpoint"
	"github.com/agentcore/runtime/internal/interceptor"
	"github.com/agentcore/runtime/internal/provider"
	"github.com/agentcore/runtime/internal/taskstream"
	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

// --- test doubles ---

type scriptedTurn struct {
	text       string
	toolUse    *runtime.ContentBlock
	stopReason provider.StopReason
	err        error
	delay      time.Duration
}

type fakeProvider struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int
}

func (p *fakeProvider) StreamChat(ctx context.Context, params provider.Params, cache provider.AttachmentCacheMap) (provider.Stream, error) {
	p.mu.Lock()
	if p.calls >= len(p.turns) {
		p.mu.Unlock()
		return nil, errors.New("fakeProvider: no more scripted turns")
	}
	turn := p.turns[p.calls]
	p.calls++
	p.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}

	s := &fakeStream{events: make(chan provider.ProviderEvent, 4), done: make(chan struct{})}
	go s.run(ctx, turn)
	return s, nil
}

type fakeStream struct {
	events chan provider.ProviderEvent
	done   chan struct{}
	once   sync.Once

	finalMsg   runtime.Message
	stopReason provider.StopReason
	err        error
}

func (s *fakeStream) Events() <-chan provider.ProviderEvent { return s.events }

func (s *fakeStream) FinalMessage() (provider.FinalMessage, error) {
	<-s.done
	return provider.FinalMessage{Message: s.finalMsg, StopReason: s.stopReason}, s.err
}

func (s *fakeStream) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.events)
		close(s.done)
	})
}

func (s *fakeStream) run(ctx context.Context, turn scriptedTurn) {
	if turn.delay > 0 {
		select {
		case <-time.After(turn.delay):
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}

	var content []runtime.ContentBlock
	if turn.text != "" {
		select {
		case s.events <- provider.ProviderEvent{Type: provider.ProviderEventText, Text: turn.text}:
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
		content = append(content, runtime.NewTextBlock(turn.text))
	}
	if turn.toolUse != nil {
		content = append(content, *turn.toolUse)
	}

	s.finalMsg = runtime.Message{ID: runtime.NewMessageID(), Role: runtime.RoleAssistant, Content: content}
	s.stopReason = turn.stopReason
	s.events <- provider.ProviderEvent{Type: provider.ProviderEventMessage, Message: &s.finalMsg}
	s.finish(nil)
}

type fakeHistory struct {
	mu        sync.Mutex
	messages  []runtime.Message
	saveCount int
}

func (h *fakeHistory) Load() ([]runtime.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]runtime.Message(nil), h.messages...), nil
}

func (h *fakeHistory) Save(messages []runtime.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append([]runtime.Message(nil), messages...)
	h.saveCount++
	return nil
}

func (h *fakeHistory) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	return nil
}

func (h *fakeHistory) snapshot() []runtime.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]runtime.Message(nil), h.messages...)
}

// echoTool echoes its input back as a string result and records the
// number of times it ran.
type echoTool struct {
	mu    sync.Mutex
	calls int
}

func (t *echoTool) Name() string            { return "echo" }
func (t *echoTool) Description() string     { return "echoes its input" }
func (t *echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage, workingDirectory string) (toolregistry.ToolOutput, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return toolregistry.StringOutput(string(params)), nil
}

// writeFileTool overwrites a fixed path in the working directory.
type writeFileTool struct {
	relPath string
	content string
}

func (t *writeFileTool) Name() string            { return "write-file" }
func (t *writeFileTool) Description() string     { return "overwrites a file" }
func (t *writeFileTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *writeFileTool) Execute(ctx context.Context, params json.RawMessage, workingDirectory string) (toolregistry.ToolOutput, error) {
	path := filepath.Join(workingDirectory, t.relPath)
	if err := os.WriteFile(path, []byte(t.content), 0o644); err != nil {
		return toolregistry.ToolOutput{}, err
	}
	return toolregistry.StringOutput("wrote " + t.relPath), nil
}

func collectEvents(t *testing.T, stream *taskstream.Stream) []runtime.TaskEvent {
	t.Helper()
	sub := stream.Subscribe()
	var events []runtime.TaskEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("collectEvents: timed out waiting for stream to close")
		}
	}
}

// --- scenarios ---

func TestEngine_TextOnlyTurn(t *testing.T) {
	prov := &fakeProvider{turns: []scriptedTurn{
		{text: "hello there", stopReason: provider.StopEndTurn},
	}}
	hist := &fakeHistory{}
	chain := interceptor.NewChain(nil)

	eng, err := New(Config{Provider: prov, Chain: chain, History: hist})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stream, err := eng.RunTask(context.Background(), "say hi", "test-model", RunOptions{})
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	events := collectEvents(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream closed with error: %v", stream.Err())
	}

	var texts, messages int
	for _, ev := range events {
		switch ev.Type {
		case runtime.EventText:
			texts++
		case runtime.EventMessage:
			messages++
		}
	}
	if texts != 1 {
		t.Errorf("text events = %d, want 1", texts)
	}
	if messages != 2 {
		t.Errorf("message events = %d, want 2 (user + assistant)", messages)
	}

	if hist.saveCount != 1 {
		t.Errorf("saveCount = %d, want 1", hist.saveCount)
	}
	if len(hist.snapshot()) != 2 {
		t.Errorf("persisted history length = %d, want 2", len(hist.snapshot()))
	}

	if err := eng.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestEngine_ToolRoundTrip(t *testing.T) {
	tool := &echoTool{}
	registry := toolregistry.New()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	toolUse := runtime.NewToolUseBlock("tu_1", "echo", json.RawMessage(`{"x":1}`))
	prov := &fakeProvider{turns: []scriptedTurn{
		{toolUse: &toolUse, stopReason: provider.StopToolUse},
		{text: "done", stopReason: provider.StopEndTurn},
	}}
	hist := &fakeHistory{}
	chain := interceptor.NewChain(nil)
	if err := chain.Register(&interceptor.ToolExecutionInterceptor{Registry: registry}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	eng, err := New(Config{Provider: prov, Chain: chain, History: hist})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stream, err := eng.RunTask(context.Background(), "use echo", "test-model", RunOptions{})
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	collectEvents(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream closed with error: %v", stream.Err())
	}

	if tool.calls != 1 {
		t.Errorf("tool executed %d times, want 1", tool.calls)
	}

	messages := hist.snapshot()
	if len(messages) != 4 {
		t.Fatalf("persisted history length = %d, want 4 (user, assistant tool_use, user tool_result, assistant text)", len(messages))
	}
	if !messages[1].HasToolUse() {
		t.Errorf("messages[1] expected a tool_use block")
	}
	if messages[2].Content[0].Type != runtime.ContentToolResult {
		t.Errorf("messages[2] expected a tool_result block, got %v", messages[2].Content[0].Type)
	}
}

func TestEngine_CancellationDuringStreaming(t *testing.T) {
	prov := &fakeProvider{turns: []scriptedTurn{
		{text: "slow", stopReason: provider.StopEndTurn, delay: 60 * time.Millisecond},
	}}
	hist := &fakeHistory{}
	chain := interceptor.NewChain(nil)

	eng, err := New(Config{Provider: prov, Chain: chain, History: hist})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	stream, err := eng.RunTask(ctx, "slow task", "test-model", RunOptions{})
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	events := collectEvents(t, stream)

	if len(events) == 0 || events[len(events)-1].Type != runtime.EventCancelled {
		t.Fatalf("last event = %+v, want cancelled", events[len(events)-1])
	}
	if events[len(events)-1].Reason != runtime.CancelReasonUser {
		t.Errorf("cancel reason = %q, want %q", events[len(events)-1].Reason, runtime.CancelReasonUser)
	}

	if err := eng.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if hist.saveCount == 0 {
		t.Error("expected history to be persisted on cancellation")
	}
}

func TestEngine_Timeout(t *testing.T) {
	prov := &fakeProvider{turns: []scriptedTurn{
		{text: "slow", stopReason: provider.StopEndTurn, delay: 200 * time.Millisecond},
	}}
	hist := &fakeHistory{}
	chain := interceptor.NewChain(nil)

	eng, err := New(Config{Provider: prov, Chain: chain, History: hist, TaskTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stream, err := eng.RunTask(context.Background(), "slow task", "test-model", RunOptions{})
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	events := collectEvents(t, stream)

	if len(events) == 0 || events[len(events)-1].Type != runtime.EventCancelled {
		t.Fatalf("last event = %+v, want cancelled", events[len(events)-1])
	}
	if events[len(events)-1].Reason != runtime.CancelReasonTimeout {
		t.Errorf("cancel reason = %q, want %q", events[len(events)-1].Reason, runtime.CancelReasonTimeout)
	}
}

func TestEngine_CheckpointRollback(t *testing.T) {
	workspaceDir := t.TempDir()
	dataDir := t.TempDir()

	filePath := filepath.Join(workspaceDir, "f.txt")
	if err := os.WriteFile(filePath, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	store, err := checkpoint.Open(dataDir, workspaceDir)
	if err != nil {
		t.Fatalf("checkpoint.Open() error = %v", err)
	}

	toolUse := runtime.NewToolUseBlock("tu_1", "write-file", json.RawMessage(`{}`))
	prov := &fakeProvider{turns: []scriptedTurn{
		{toolUse: &toolUse, stopReason: provider.StopToolUse},
		{text: "done", stopReason: provider.StopEndTurn},
	}}

	registry := toolregistry.New()
	if err := registry.Register(&writeFileTool{relPath: "f.txt", content: "v2"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	hist := &fakeHistory{}
	chain := interceptor.NewChain(nil)
	if err := chain.Register(&interceptor.ToolExecutionInterceptor{Registry: registry}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	eng, err := New(Config{
		Provider:         prov,
		Chain:            chain,
		History:          hist,
		Checkpoints:      store,
		WorkingDirectory: workspaceDir,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stream, err := eng.RunTask(context.Background(), "modify file", "test-model", RunOptions{})
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	events := collectEvents(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream closed with error: %v", stream.Err())
	}

	var checkpointID string
	for _, ev := range events {
		if ev.Type == runtime.EventMessage && ev.Message.Role == runtime.RoleUser && ev.Message.CheckpointID != "" {
			checkpointID = ev.Message.CheckpointID
			break
		}
	}
	if checkpointID == "" {
		t.Fatal("expected the inbound user message to carry a checkpoint id")
	}

	modified, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read modified file: %v", err)
	}
	if string(modified) != "v2" {
		t.Fatalf("file content = %q, want v2 before rollback", modified)
	}

	applied, err := eng.ApplyCheckpoint(checkpointID)
	if err != nil {
		t.Fatalf("ApplyCheckpoint() error = %v", err)
	}
	if !applied {
		t.Fatal("ApplyCheckpoint() = false, want true")
	}

	restored, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(restored) != "v1" {
		t.Errorf("file content = %q, want v1 after rollback", restored)
	}

	if len(hist.snapshot()) != 0 {
		t.Errorf("persisted history length = %d, want 0 (truncated before the checkpointed message)", len(hist.snapshot()))
	}
}

func TestEngine_MaxTokensContinuation(t *testing.T) {
	prov := &fakeProvider{turns: []scriptedTurn{
		{text: "partial", stopReason: provider.StopMaxTokens},
		{text: "final", stopReason: provider.StopEndTurn},
	}}
	hist := &fakeHistory{}
	chain := interceptor.NewChain(nil)
	if err := chain.Register(&interceptor.MaxTokensInterceptor{
		Config: interceptor.MaxTokensConfig{ContinueToken: "Continue", MaxContinuations: 1, WindowSize: 10},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	eng, err := New(Config{Provider: prov, Chain: chain, History: hist})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stream, err := eng.RunTask(context.Background(), "long task", "test-model", RunOptions{})
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	collectEvents(t, stream)
	if stream.Err() != nil {
		t.Fatalf("stream closed with error: %v", stream.Err())
	}

	messages := hist.snapshot()
	if len(messages) != 4 {
		t.Fatalf("persisted history length = %d, want 4 (user, assistant partial, user Continue, assistant final)", len(messages))
	}
	if messages[2].Text() != "Continue" {
		t.Errorf("messages[2].Text() = %q, want Continue", messages[2].Text())
	}
	if messages[3].Text() != "final" {
		t.Errorf("messages[3].Text() = %q, want final", messages[3].Text())
	}
}
