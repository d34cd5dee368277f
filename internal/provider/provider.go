// Package provider defines the Model Provider external interface
// consumed by the Task Engine: a narrow streamChat/finalMessage
// contract that covers exactly what the engine's single-turn loop
// needs.
package provider

import (
	"context"
	"encoding/json"

	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

// StopReason is the LLM's reason for ending a turn.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// Params bundles a streamChat request.
type Params struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []runtime.Message
	Tools     []toolregistry.Tool
	UserID    string
}

// ProviderEventType discriminates a streaming provider event.
type ProviderEventType string

const (
	ProviderEventText    ProviderEventType = "text"
	ProviderEventMessage ProviderEventType = "message"
)

// ProviderEvent is one item of a provider's streaming response, mapped
// 1:1 onto the engine's text/message task events.
type ProviderEvent struct {
	Type    ProviderEventType
	Text    string
	Message *runtime.Message
}

// FinalMessage is the completed assistant turn, deferred until the
// provider's stream is exhausted.
type FinalMessage struct {
	Message    runtime.Message
	StopReason StopReason
	Usage      Usage
}

// Usage is the token accounting for one completed turn, populated from
// whatever the underlying SDK's stream exposes (Anthropic's
// message_start/message_delta events, OpenAI's final usage chunk).
// Zero value means the provider reported nothing.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// AttachmentCacheMap is the signed-URL/cachePath map the engine passes
// to the provider so it can resolve file_attachment blocks, keyed by
// fileId.
type AttachmentCacheMap map[string]CachedAttachment

// CachedAttachment is the (cachePath, signedUrl) pair for one fileId.
type CachedAttachment struct {
	CachePath string
	SignedURL string
}

// ModelProvider streams a chat completion and exposes its eventually-
// available final message. Implementations must be safe for concurrent
// use across different requests.
type ModelProvider interface {
	StreamChat(ctx context.Context, params Params, attachmentCache AttachmentCacheMap) (Stream, error)
}

// Stream is the per-request handle returned by StreamChat: an event
// channel plus a deferred final message, resolved once the channel is
// drained.
type Stream interface {
	Events() <-chan ProviderEvent
	FinalMessage() (FinalMessage, error)
}

// ToolInputDelta is an optional refinement a provider may choose to
// surface while it is still streaming a tool_use block's arguments,
// mapped onto the engine's tool_use_input task event. Not all
// providers emit these; nil ToolName means no delta is in flight.
type ToolInputDelta struct {
	ToolName     string
	PartialInput json.RawMessage
}
