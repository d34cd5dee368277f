// Package anthropicstub adapts github.com/anthropics/anthropic-sdk-go to
// the provider.ModelProvider contract: client construction via
// option.WithAPIKey/option.WithBaseURL, MessageNewParams, and a
// NewStreaming SSE event loop switching on message_start /
// content_block_start / content_block_delta / content_block_stop /
// message_delta / message_stop. This is a minimal, test-shaped adapter
// rather than a production wire translation: no retry/backoff, no
// beta computer-use path, and tool_result content is flattened to a
// single text string.
package anthropicstub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentcore/runtime/internal/provider"
	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

// DefaultModel is used when Config.DefaultModel is unset.
const DefaultModel = "claude-sonnet-4-20250514"

// DefaultMaxTokens is used when Params.MaxTokens is unset.
const DefaultMaxTokens = 4096

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider implements provider.ModelProvider against the Anthropic
// Messages API.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// New creates a Provider. Safe for concurrent use across requests.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropicstub: API key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

// StreamChat starts a streaming Messages request and returns a handle
// whose Events channel mirrors Anthropic's SSE stream and whose
// FinalMessage blocks until the stream drains.
func (p *Provider) StreamChat(ctx context.Context, params provider.Params, attachmentCache provider.AttachmentCacheMap) (provider.Stream, error) {
	messages, err := convertMessages(params.Messages, attachmentCache)
	if err != nil {
		return nil, fmt.Errorf("anthropicstub: convert messages: %w", err)
	}

	model := params.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if params.System != "" {
		apiParams.System = []anthropic.TextBlockParam{{Type: "text", Text: params.System}}
	}
	if len(params.Tools) > 0 {
		tools, err := convertTools(params.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropicstub: convert tools: %w", err)
		}
		apiParams.Tools = tools
	}

	sdkStream := p.client.Messages.NewStreaming(ctx, apiParams)

	s := &stream{
		events: make(chan provider.ProviderEvent, 16),
		done:   make(chan struct{}),
	}
	go s.consume(sdkStream)
	return s, nil
}

// stream is the running handle for one StreamChat call.
type stream struct {
	events chan provider.ProviderEvent
	done   chan struct{}
	once   sync.Once

	finalMsg   runtime.Message
	stopReason provider.StopReason
	usage      provider.Usage
	err        error
}

func (s *stream) Events() <-chan provider.ProviderEvent { return s.events }

func (s *stream) FinalMessage() (provider.FinalMessage, error) {
	<-s.done
	return provider.FinalMessage{Message: s.finalMsg, StopReason: s.stopReason, Usage: s.usage}, s.err
}

func (s *stream) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.events)
		close(s.done)
	})
}

// consume translates Anthropic SSE events into provider events: a
// tool_use content_block_start opens a block, input_json_delta
// fragments accumulate, content_block_stop finalizes it.
func (s *stream) consume(sdkStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}) {
	var content []runtime.ContentBlock
	var textBuilder strings.Builder
	var toolUseID, toolName string
	var toolInputBuilder strings.Builder
	inToolUse := false

	flushText := func() {
		if textBuilder.Len() > 0 {
			content = append(content, runtime.NewTextBlock(textBuilder.String()))
			textBuilder.Reset()
		}
	}

	for sdkStream.Next() {
		event := sdkStream.Current()
		switch event.Type {
		case "message_start":
			if tokens := event.AsMessageStart().Message.Usage.InputTokens; tokens > 0 {
				s.usage.InputTokens = int(tokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolUseID = toolUse.ID
				toolName = toolUse.Name
				toolInputBuilder.Reset()
				inToolUse = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuilder.WriteString(delta.Text)
					s.events <- provider.NewTextEvent(delta.Text)
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInputBuilder.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if inToolUse {
				flushText()
				content = append(content, runtime.NewToolUseBlock(
					toolUseID, toolName, json.RawMessage(toolInputBuilder.String())))
				inToolUse = false
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if reason := delta.Delta.StopReason; reason != "" {
				s.stopReason = provider.StopReason(reason)
			}
			if tokens := delta.Usage.OutputTokens; tokens > 0 {
				s.usage.OutputTokens = int(tokens)
			}

		case "message_stop":
			flushText()
			s.finalMsg = runtime.Message{
				ID:      runtime.NewMessageID(),
				Role:    runtime.RoleAssistant,
				Content: content,
			}
			s.events <- provider.ProviderEvent{Type: provider.ProviderEventMessage, Message: &s.finalMsg}
			s.finish(nil)
			return

		case "error":
			s.finish(fmt.Errorf("anthropicstub: stream error"))
			return
		}
	}

	if err := sdkStream.Err(); err != nil {
		s.finish(fmt.Errorf("anthropicstub: %w", err))
		return
	}
	s.finish(nil)
}

// convertMessages maps runtime messages onto Anthropic message params,
// resolving file_attachment blocks against attachmentCache where
// present and otherwise dropping them (the model simply does not see
// an attachment whose download failed).
func convertMessages(messages []runtime.Message, attachmentCache provider.AttachmentCacheMap) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case runtime.ContentText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))

			case runtime.ContentToolUse:
				var input map[string]any
				if len(b.ToolInput) > 0 {
					if err := json.Unmarshal(b.ToolInput, &input); err != nil {
						return nil, fmt.Errorf("invalid tool_use input for %s: %w", b.ToolName, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))

			case runtime.ContentToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, flattenToolResultText(b.ToolResultContent), false))

			case runtime.ContentFileAttachment:
				if cached, ok := attachmentCache[b.FileID]; ok && strings.HasPrefix(b.MimeType, "image/") {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: cached.SignedURL}))
				}

			case runtime.ContentImage:
				if b.Source != nil && b.Source.Kind == runtime.ImageSourceURL {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: b.Source.Data}))
				} else if b.Source != nil {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
						MediaType: anthropic.Base64ImageSourceMediaType(b.Source.MediaType),
						Data:      b.Source.Data,
					}))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == runtime.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func flattenToolResultText(blocks []runtime.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == runtime.ContentText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func convertTools(tools []toolregistry.Tool) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", t.Name(), err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name())
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(t.Description())
		}
		out = append(out, toolParam)
	}
	return out, nil
}
