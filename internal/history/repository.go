// Package history implements the Message History Repository: pluggable
// load/save/clear persistence for a conversation. The contract
// deliberately excludes append — every save is a full-file rewrite to
// avoid partial-append races.
package history

import "github.com/agentcore/runtime/pkg/runtime"

// Repository loads, saves, and clears a conversation's message history.
type Repository interface {
	Load() ([]runtime.Message, error)
	Save(messages []runtime.Message) error
	Clear() error
}
