package interceptor

import (
	"context"

	"github.com/agentcore/runtime/internal/observability"
	"github.com/agentcore/runtime/internal/provider"
	"github.com/agentcore/runtime/pkg/runtime"
)

// MaxTokensConfig configures the Max-Tokens Interceptor, following this
// codebase's struct-with-Default*Config idiom for tunable policy
// (continuation token + sliding-window cap).
type MaxTokensConfig struct {
	// ContinueToken is the text appended to nudge the model to keep
	// going after a max_tokens truncation.
	ContinueToken string

	// MaxContinuations bounds consecutive continuations counted over
	// the last WindowSize messages. Zero disables the interceptor
	// entirely (every call returns Complete).
	MaxContinuations int

	// WindowSize is how many trailing messages are inspected when
	// counting prior continuations. Zero means DefaultWindowSize.
	WindowSize int
}

// DefaultWindowSize is the sliding window over which consecutive
// continuations are counted.
const DefaultWindowSize = 10

// DefaultContinueToken is appended as a user message to nudge a
// max_tokens-truncated turn forward.
const DefaultContinueToken = "Continue"

// DefaultMaxTokensConfig returns the interceptor's out-of-the-box
// policy: continuations enabled, capped at 3 within the default
// window.
func DefaultMaxTokensConfig() MaxTokensConfig {
	return MaxTokensConfig{
		ContinueToken:    DefaultContinueToken,
		MaxContinuations: 3,
		WindowSize:       DefaultWindowSize,
	}
}

// MaxTokensInterceptor appends a "Continue" user message whenever the
// model's stop reason is max_tokens, capping consecutive continuations
// over a sliding window so a persistently truncating model cannot loop
// forever.
type MaxTokensInterceptor struct {
	Config MaxTokensConfig
}

func (i *MaxTokensInterceptor) Name() string { return "max-tokens" }

func (i *MaxTokensInterceptor) Description() string {
	return "continues a max_tokens-truncated turn up to a capped number of times"
}

func (i *MaxTokensInterceptor) Intercept(ctx context.Context, ic Context) (Result, error) {
	if i.Config.MaxContinuations <= 0 {
		return Result{Decision: Complete, Reasoning: "max-tokens interceptor disabled"}, nil
	}
	if ic.StopReason != provider.StopMaxTokens {
		return Result{Decision: Complete}, nil
	}

	window := i.Config.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	token := i.Config.ContinueToken
	if token == "" {
		token = DefaultContinueToken
	}

	attempt := i.recentContinuations(ic.Conversation.Messages(), token, window)
	if attempt >= i.Config.MaxContinuations {
		return Result{Decision: Complete, Reasoning: "reached maximum continuations"}, nil
	}
	observability.EmitRunAttempt(&observability.RunAttemptEvent{Attempt: attempt + 1})

	msg := runtime.Message{
		ID:      runtime.NewMessageID(),
		Role:    runtime.RoleUser,
		Content: []runtime.ContentBlock{runtime.NewTextBlock(token)},
	}
	if err := ic.Conversation.Append(ctx, msg); err != nil {
		return Result{Decision: Complete}, err
	}

	return Result{Decision: Continue, Reasoning: "continuing a max_tokens-truncated turn"}, nil
}

// recentContinuations counts, over the last window messages, how many
// are user-role messages whose sole content is the continue token.
func (i *MaxTokensInterceptor) recentContinuations(messages []runtime.Message, token string, window int) int {
	start := 0
	if len(messages) > window {
		start = len(messages) - window
	}
	count := 0
	for _, msg := range messages[start:] {
		if msg.Role != runtime.RoleUser || len(msg.Content) != 1 {
			continue
		}
		if msg.Content[0].Type == runtime.ContentText && msg.Content[0].Text == token {
			count++
		}
	}
	return count
}
