package openaistub

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentcore/runtime/internal/provider"
	"github.com/agentcore/runtime/pkg/runtime"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New() error = nil, want error for missing API key")
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := []struct {
		reason openai.FinishReason
		want   provider.StopReason
	}{
		{openai.FinishReasonStop, provider.StopEndTurn},
		{openai.FinishReasonLength, provider.StopMaxTokens},
		{openai.FinishReasonToolCalls, provider.StopToolUse},
		{openai.FinishReasonFunctionCall, provider.StopToolUse},
		{openai.FinishReasonContentFilter, provider.StopStopSequence},
	}
	for _, c := range cases {
		if got := mapFinishReason(c.reason); got != c.want {
			t.Errorf("mapFinishReason(%v) = %v, want %v", c.reason, got, c.want)
		}
	}
}

func TestConvertMessages_SystemPrependedOnce(t *testing.T) {
	messages := []runtime.Message{
		{Role: runtime.RoleUser, Content: []runtime.ContentBlock{runtime.NewTextBlock("hi")}},
	}
	out := convertMessages(messages, "be helpful", nil)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2 (system + user)", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("out[0].Role = %q, want system", out[0].Role)
	}
}

func TestConvertMessages_ToolResultMapsToToolRole(t *testing.T) {
	messages := []runtime.Message{
		{
			Role: runtime.RoleUser,
			Content: []runtime.ContentBlock{
				runtime.NewToolResultBlock("u1", runtime.NewTextBlock("42")),
			},
		},
	}
	out := convertMessages(messages, "", nil)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleTool {
		t.Errorf("Role = %q, want tool", out[0].Role)
	}
	if out[0].ToolCallID != "u1" {
		t.Errorf("ToolCallID = %q, want u1", out[0].ToolCallID)
	}
	if out[0].Content != "42" {
		t.Errorf("Content = %q, want 42", out[0].Content)
	}
}

func TestConvertMessages_ToolUseBecomesToolCall(t *testing.T) {
	messages := []runtime.Message{
		{
			Role: runtime.RoleAssistant,
			Content: []runtime.ContentBlock{
				runtime.NewToolUseBlock("u1", "echo", []byte(`{"x":1}`)),
			},
		},
	}
	out := convertMessages(messages, "", nil)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Function.Name != "echo" {
		t.Errorf("ToolCalls = %+v, want one call named echo", out[0].ToolCalls)
	}
}
