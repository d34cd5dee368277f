package interceptor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "echoes its input" }
func (echoTool) Schema() json.RawMessage    { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage, workingDirectory string) (toolregistry.ToolOutput, error) {
	return toolregistry.StringOutput(string(params)), nil
}

func newToolExecContext(messages []runtime.Message, reg *toolregistry.Registry) (Context, *fakeConversation) {
	conv := &fakeConversation{messages: messages}
	return Context{
		Conversation: conv,
		Events:       &fakeSink{},
	}, conv
}

func TestToolExecutionInterceptor_NoToolUseCompletes(t *testing.T) {
	reg := toolregistry.New()
	i := &ToolExecutionInterceptor{Registry: reg}
	ic, _ := newToolExecContext([]runtime.Message{
		{Role: runtime.RoleAssistant, Content: []runtime.ContentBlock{runtime.NewTextBlock("hi")}},
	}, reg)

	result, err := i.Intercept(context.Background(), ic)
	if err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if result.Decision != Complete {
		t.Errorf("Decision = %v, want Complete", result.Decision)
	}
}

func TestToolExecutionInterceptor_ExecutesAndAppendsResult(t *testing.T) {
	reg := toolregistry.New()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	i := &ToolExecutionInterceptor{Registry: reg}

	input := json.RawMessage(`{"x":1}`)
	ic, conv := newToolExecContext([]runtime.Message{
		{
			Role: runtime.RoleAssistant,
			Content: []runtime.ContentBlock{
				runtime.NewToolUseBlock("u1", "echo", input),
			},
		},
	}, reg)

	result, err := i.Intercept(context.Background(), ic)
	if err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if result.Decision != Continue {
		t.Errorf("Decision = %v, want Continue", result.Decision)
	}
	if len(conv.messages) != 2 {
		t.Fatalf("messages len = %d, want 2", len(conv.messages))
	}
	last := conv.messages[1]
	if last.Role != runtime.RoleUser {
		t.Errorf("result message role = %v, want RoleUser", last.Role)
	}
	if len(last.Content) != 1 || last.Content[0].Type != runtime.ContentToolResult {
		t.Fatalf("result message content = %+v, want single tool_result", last.Content)
	}
	if last.Content[0].ToolUseID != "u1" {
		t.Errorf("ToolUseID = %q, want u1", last.Content[0].ToolUseID)
	}
}

func TestToolExecutionInterceptor_UnknownToolProducesErrorResult(t *testing.T) {
	reg := toolregistry.New()
	i := &ToolExecutionInterceptor{Registry: reg}

	ic, conv := newToolExecContext([]runtime.Message{
		{
			Role: runtime.RoleAssistant,
			Content: []runtime.ContentBlock{
				runtime.NewToolUseBlock("u1", "missing", json.RawMessage(`{}`)),
			},
		},
	}, reg)

	if _, err := i.Intercept(context.Background(), ic); err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	resultBlock := conv.messages[1].Content[0]
	if resultBlock.ToolResultContent[0].Text == "" {
		t.Error("error tool_result has no human-readable message")
	}
}

func TestToolExecutionInterceptor_ApprovalDenied(t *testing.T) {
	reg := toolregistry.New()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	i := &ToolExecutionInterceptor{
		Registry: reg,
		Approve: func(ctx context.Context, toolName string, parameters json.RawMessage) (bool, error) {
			return false, nil
		},
	}

	ic, conv := newToolExecContext([]runtime.Message{
		{
			Role: runtime.RoleAssistant,
			Content: []runtime.ContentBlock{
				runtime.NewToolUseBlock("u1", "echo", json.RawMessage(`{}`)),
			},
		},
	}, reg)

	if _, err := i.Intercept(context.Background(), ic); err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	resultBlock := conv.messages[1].Content[0]
	if resultBlock.ToolResultContent[0].Text != "tool execution denied" {
		t.Errorf("denied result text = %q, want %q", resultBlock.ToolResultContent[0].Text, "tool execution denied")
	}
}

func TestToolExecutionInterceptor_PreservesOrderAcrossConcurrentDispatch(t *testing.T) {
	reg := toolregistry.New()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	i := &ToolExecutionInterceptor{Registry: reg}

	blocks := make([]runtime.ContentBlock, 0, 5)
	for n := 0; n < 5; n++ {
		blocks = append(blocks, runtime.NewToolUseBlock(
			string(rune('a'+n)), "echo", json.RawMessage(`{"n":`+string(rune('0'+n))+`}`)))
	}
	ic, conv := newToolExecContext([]runtime.Message{
		{Role: runtime.RoleAssistant, Content: blocks},
	}, reg)

	if _, err := i.Intercept(context.Background(), ic); err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	results := conv.messages[1].Content
	if len(results) != len(blocks) {
		t.Fatalf("results len = %d, want %d", len(results), len(blocks))
	}
	for idx, block := range blocks {
		if results[idx].ToolUseID != block.ToolUseID {
			t.Errorf("results[%d].ToolUseID = %q, want %q", idx, results[idx].ToolUseID, block.ToolUseID)
		}
	}
}
