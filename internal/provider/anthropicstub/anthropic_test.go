package anthropicstub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() error = nil, want error for missing API key")
	}
}

func TestNew_DefaultsModel(t *testing.T) {
	p, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.defaultModel != DefaultModel {
		t.Errorf("defaultModel = %q, want %q", p.defaultModel, DefaultModel)
	}
}

func TestConvertMessages_TextRoundTrip(t *testing.T) {
	messages := []runtime.Message{
		{Role: runtime.RoleUser, Content: []runtime.ContentBlock{runtime.NewTextBlock("hi")}},
		{Role: runtime.RoleAssistant, Content: []runtime.ContentBlock{runtime.NewTextBlock("hello")}},
	}
	out, err := convertMessages(messages, nil)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestConvertMessages_ToolResultFlattensText(t *testing.T) {
	messages := []runtime.Message{
		{
			Role: runtime.RoleUser,
			Content: []runtime.ContentBlock{
				runtime.NewToolResultBlock("u1", runtime.NewTextBlock("42")),
			},
		},
	}
	out, err := convertMessages(messages, nil)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
}

func TestConvertMessages_InvalidToolUseInputErrors(t *testing.T) {
	messages := []runtime.Message{
		{
			Role: runtime.RoleAssistant,
			Content: []runtime.ContentBlock{
				runtime.NewToolUseBlock("u1", "echo", json.RawMessage(`not json`)),
			},
		},
	}
	if _, err := convertMessages(messages, nil); err == nil {
		t.Fatal("convertMessages() error = nil, want error for malformed tool_input")
	}
}

func TestConvertTools_InvalidSchemaErrors(t *testing.T) {
	_, err := convertTools([]toolregistry.Tool{stubBadTool{}})
	if err == nil {
		t.Fatal("convertTools() error = nil, want error for malformed schema")
	}
}

type stubBadTool struct{}

func (stubBadTool) Name() string            { return "bad" }
func (stubBadTool) Description() string     { return "bad tool" }
func (stubBadTool) Schema() json.RawMessage { return json.RawMessage(`not json`) }
func (stubBadTool) Execute(ctx context.Context, params json.RawMessage, workingDirectory string) (toolregistry.ToolOutput, error) {
	return toolregistry.ToolOutput{}, nil
}
