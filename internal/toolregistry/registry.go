// Package toolregistry implements the Tool Registry: registration,
// lookup, and enumeration of executable tools.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxToolNameLength bounds a registered tool's Name() against
// pathological names reaching the model provider.
const MaxToolNameLength = 128

var validToolName = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ToolOutputKind discriminates the result a Tool.Execute returns, per
// the string | {content, isError?, structuredContent?} union.
type ToolOutputKind string

const (
	ToolOutputString     ToolOutputKind = "string"
	ToolOutputStructured ToolOutputKind = "structured"
	ToolOutputContent    ToolOutputKind = "content"
)

// ToolContentItemType discriminates a ToolOutput content item.
type ToolContentItemType string

const (
	ToolContentText  ToolContentItemType = "text"
	ToolContentImage ToolContentItemType = "image"
)

// ToolContentItem is one item of a content-kind ToolOutput.
type ToolContentItem struct {
	Type      ToolContentItemType `json:"type"`
	Text      string              `json:"text,omitempty"`
	MediaType string              `json:"media_type,omitempty"`
	Data      string              `json:"data,omitempty"` // base64, for image items
}

// ToolOutput is the result of Tool.Execute, in the shape the
// Tool-Execution Interceptor translates into tool_result
// content blocks.
type ToolOutput struct {
	Kind ToolOutputKind

	Str string // ToolOutputString

	StructuredContent any // ToolOutputStructured

	Content []ToolContentItem // ToolOutputContent

	IsError bool
}

// StringOutput wraps a plain string tool result.
func StringOutput(s string) ToolOutput { return ToolOutput{Kind: ToolOutputString, Str: s} }

// ErrorOutput wraps an error-flagged result. When IsError is true the
// whole object is serialized into a text block so the model can reason
// about the error structure.
func ErrorOutput(v any) ToolOutput {
	return ToolOutput{Kind: ToolOutputStructured, StructuredContent: v, IsError: true}
}

// StructuredOutput wraps a structuredContent result, serialized as JSON
// text.
func StructuredOutput(v any) ToolOutput {
	return ToolOutput{Kind: ToolOutputStructured, StructuredContent: v}
}

// ContentOutput wraps a mixed text/image content result.
func ContentOutput(items ...ToolContentItem) ToolOutput {
	return ToolOutput{Kind: ToolOutputContent, Content: items}
}

// Tool is the external contract consumed by the Tool-Execution
// Interceptor. Implementations live outside this module
// (individual tools are out of scope); this is the shape they satisfy.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage, workingDirectory string) (ToolOutput, error)
}

// Registry registers, looks up, and enumerates tools: an RWMutex-guarded
// map keyed by name, in the style of this codebase's other registries.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New creates an empty tool registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, validating its name and that its declared
// Schema() is itself well-formed JSON Schema, so every registered tool
// carries a guaranteed-valid schema rather than deferring validation to
// whichever call site happens to check it.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("toolregistry: nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("toolregistry: tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("toolregistry: tool name %q exceeds %d characters", name, MaxToolNameLength)
	}
	if !validToolName.MatchString(name) {
		return fmt.Errorf("toolregistry: tool name %q contains invalid characters", name)
	}
	if schema := t.Schema(); len(schema) > 0 {
		if err := validateSchema(schema); err != nil {
			return fmt.Errorf("toolregistry: tool %q has invalid schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	return nil
}

func validateSchema(schema json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytesReader(schema)); err != nil {
		return err
	}
	_, err := compiler.Compile("schema.json")
	return err
}

// Unregister removes a tool by name. It is a no-op if the name is not
// registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List enumerates every registered tool.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}
