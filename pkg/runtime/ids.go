package runtime

import "github.com/google/uuid"

// NewMessageID generates a new message identifier.
func NewMessageID() string { return "msg_" + uuid.NewString() }

// NewToolUseID generates a new tool-use-block identifier.
func NewToolUseID() string { return "tu_" + uuid.NewString() }

// NewTaskID generates a new task/run identifier, used for tracing spans
// and log correlation.
func NewTaskID() string { return "task_" + uuid.NewString() }
