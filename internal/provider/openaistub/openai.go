// Package openaistub adapts github.com/sashabaranov/go-openai to the
// provider.ModelProvider contract: client construction via
// openai.NewClient, CreateChatCompletionStream, and per-index
// tool-call-delta accumulation as the stream arrives. Like
// anthropicstub, this is a minimal demonstrative adapter: no retries,
// and it maps finish_reason onto the shared StopReason vocabulary
// (stop→end_turn, length→max_tokens, tool_calls→tool_use).
package openaistub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentcore/runtime/internal/provider"
	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

// DefaultModel is used when Params.Model is empty.
const DefaultModel = openai.GPT4o

// Provider implements provider.ModelProvider against the OpenAI chat
// completions API.
type Provider struct {
	client       *openai.Client
	defaultModel string
}

// New creates a Provider.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openaistub: API key is required")
	}
	return &Provider{client: openai.NewClient(apiKey), defaultModel: DefaultModel}, nil
}

// StreamChat starts a streaming chat completion and returns a handle
// whose Events channel mirrors OpenAI's per-chunk deltas.
func (p *Provider) StreamChat(ctx context.Context, params provider.Params, attachmentCache provider.AttachmentCacheMap) (provider.Stream, error) {
	messages := convertMessages(params.Messages, params.System, attachmentCache)

	model := params.Model
	if model == "" {
		model = p.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if len(params.Tools) > 0 {
		req.Tools = convertTools(params.Tools)
	}

	sdkStream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openaistub: create stream: %w", err)
	}

	s := &stream{
		events: make(chan provider.ProviderEvent, 16),
		done:   make(chan struct{}),
	}
	go s.consume(sdkStream)
	return s, nil
}

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

type toolCallAccumulator struct {
	id, name string
	input    string
}

func (s *stream) consume(sdkStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close()
}) {
	defer sdkStream.Close()

	var textBuilder []byte
	toolCalls := make(map[int]*toolCallAccumulator)

	for {
		resp, err := sdkStream.Recv()
		if err != nil {
			if err == io.EOF {
				s.finalizeMessage(textBuilder, toolCalls)
				s.finish(nil)
				return
			}
			s.finish(fmt.Errorf("openaistub: %w", err))
			return
		}
		if resp.Usage != nil {
			s.usage = provider.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			textBuilder = append(textBuilder, delta.Content...)
			s.events <- provider.NewTextEvent(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc, ok := toolCalls[index]
			if !ok {
				acc = &toolCallAccumulator{}
				toolCalls[index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.input += tc.Function.Arguments
			}
		}

		if choice.FinishReason != "" {
			s.stopReason = mapFinishReason(choice.FinishReason)
			s.finalizeMessage(textBuilder, toolCalls)
			s.finish(nil)
			return
		}
	}
}

func (s *stream) finalizeMessage(text []byte, toolCalls map[int]*toolCallAccumulator) {
	var content []runtime.ContentBlock
	if len(text) > 0 {
		content = append(content, runtime.NewTextBlock(string(text)))
	}
	for i := 0; i < len(toolCalls); i++ {
		acc, ok := toolCalls[i]
		if !ok || acc.id == "" || acc.name == "" {
			continue
		}
		content = append(content, runtime.NewToolUseBlock(acc.id, acc.name, json.RawMessage(acc.input)))
	}
	s.finalMsg = runtime.Message{
		ID:      runtime.NewMessageID(),
		Role:    runtime.RoleAssistant,
		Content: content,
	}
	s.events <- provider.ProviderEvent{Type: provider.ProviderEventMessage, Message: &s.finalMsg}
}

func mapFinishReason(reason openai.FinishReason) provider.StopReason {
	switch reason {
	case openai.FinishReasonLength:
		return provider.StopMaxTokens
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return provider.StopToolUse
	case openai.FinishReasonContentFilter:
		return provider.StopStopSequence
	default:
		return provider.StopEndTurn
	}
}

func convertMessages(messages []runtime.Message, system string, attachmentCache provider.AttachmentCacheMap) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == runtime.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		var toolCalls []openai.ToolCall
		var parts []openai.ChatMessagePart
		var plainText string

		for _, b := range msg.Content {
			switch b.Type {
			case runtime.ContentText:
				plainText += b.Text

			case runtime.ContentToolUse:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolName,
						Arguments: string(b.ToolInput),
					},
				})

			case runtime.ContentToolResult:
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: b.ToolUseID,
					Content:    flattenText(b.ToolResultContent),
				})

			case runtime.ContentFileAttachment:
				if cached, ok := attachmentCache[b.FileID]; ok {
					parts = append(parts, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: cached.SignedURL},
					})
				}

			case runtime.ContentImage:
				if b.Source != nil && b.Source.Kind == runtime.ImageSourceURL {
					parts = append(parts, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: b.Source.Data},
					})
				}
			}
		}

		switch {
		case len(parts) > 0:
			if plainText != "" {
				parts = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: plainText}}, parts...)
			}
			out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts, ToolCalls: toolCalls})
		case plainText != "" || len(toolCalls) > 0:
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: plainText, ToolCalls: toolCalls})
		}
	}
	return out
}

func flattenText(blocks []runtime.ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == runtime.ContentText {
			out += b.Text
		}
	}
	return out
}

func convertTools(tools []toolregistry.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		_ = json.Unmarshal(t.Schema(), &params)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	return out
}
