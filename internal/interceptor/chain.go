// Package interceptor implements the Interceptor Chain: a
// chain-of-responsibility that runs after every model turn to decide
// whether the Task Engine's loop continues, structured as a
// registrable sequence of stream -> execute-tools -> continue
// interceptors rather than a fixed set of loop phases.
package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentcore/runtime/internal/provider"
	"github.com/agentcore/runtime/internal/toolregistry"
	"github.com/agentcore/runtime/pkg/runtime"
)

// Decision is an interceptor's post-inference verdict.
type Decision string

const (
	Continue Decision = "CONTINUE"
	Complete Decision = "COMPLETE"
)

// Result is what Intercept returns.
type Result struct {
	Decision  Decision
	Reasoning string
}

// ConversationProxy exposes the in-flight conversation to interceptors.
// Append automatically emits a message task event; other mutations are
// the interceptor's own responsibility to announce if it wants the
// consumer to see them.
type ConversationProxy interface {
	Messages() []runtime.Message
	Append(ctx context.Context, msg runtime.Message) error
}

// Context is the per-turn state an interceptor observes.
type Context struct {
	Conversation     ConversationProxy
	LastResponseText string
	Tools            []toolregistry.Tool
	WorkingDirectory string
	StopReason       provider.StopReason
	Events           EventSink
}

// EventSink is the narrow emit surface interceptors use to publish
// additional task events: the event subject passed in Context.
type EventSink interface {
	Emit(ctx context.Context, ev runtime.TaskEvent) error
}

// Interceptor is a single post-inference decision unit.
type Interceptor interface {
	Name() string
	Description() string
	Intercept(ctx context.Context, ic Context) (Result, error)
}

// Chain runs registered interceptors in registration order. The first
// interceptor to return Continue short-circuits the rest (claims the
// turn); otherwise every interceptor runs and the chain's overall
// decision is Complete.
type Chain struct {
	mu           sync.Mutex
	interceptors []Interceptor
	names        map[string]bool
	log          *slog.Logger
}

// NewChain creates an empty interceptor chain.
func NewChain(log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{names: make(map[string]bool), log: log}
}

// Register appends an interceptor. Duplicate names are rejected.
func (c *Chain) Register(i Interceptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names[i.Name()] {
		return runtime.ErrDuplicateInterceptor
	}
	c.names[i.Name()] = true
	c.interceptors = append(c.interceptors, i)
	return nil
}

// Unregister removes an interceptor by name. No-op if absent.
func (c *Chain) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.names[name] {
		return
	}
	delete(c.names, name)
	kept := c.interceptors[:0]
	for _, i := range c.interceptors {
		if i.Name() != name {
			kept = append(kept, i)
		}
	}
	c.interceptors = kept
}

// Clear removes every registered interceptor.
func (c *Chain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = nil
	c.names = make(map[string]bool)
}

// Run executes the chain against ic. The cancellation signal carried
// by ctx is checked between interceptors so the chain itself is
// cancellable.
func (c *Chain) Run(ctx context.Context, ic Context) (Result, error) {
	c.mu.Lock()
	chain := make([]Interceptor, len(c.interceptors))
	copy(chain, c.interceptors)
	c.mu.Unlock()

	for _, i := range chain {
		if err := ctx.Err(); err != nil {
			return Result{Decision: Complete}, err
		}

		result, err := c.runOne(ctx, i, ic)
		if err != nil {
			c.log.Warn("interceptor failed, treating as COMPLETE", "interceptor", i.Name(), "error", err)
			continue
		}
		if result.Decision == Continue {
			return result, nil
		}
	}
	return Result{Decision: Complete}, nil
}

func (c *Chain) runOne(ctx context.Context, i Interceptor, ic Context) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &runtime.InterceptorError{InterceptorName: i.Name(), Err: panicError(r)}
		}
	}()
	result, err = i.Intercept(ctx, ic)
	if err != nil {
		err = &runtime.InterceptorError{InterceptorName: i.Name(), Err: err}
	}
	return result, err
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New("interceptor panicked")
}
