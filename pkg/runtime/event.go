package runtime

// TaskEventType discriminates the TaskEvent tagged variant.
type TaskEventType string

const (
	EventText                   TaskEventType = "text"
	EventMessage                TaskEventType = "message"
	EventToolUse                TaskEventType = "tool_use"
	EventToolUseInput           TaskEventType = "tool_use_input"
	EventToolUsePendingApproval TaskEventType = "tool_use_pending_approval"
	EventToolUseApproved        TaskEventType = "tool_use_approved"
	EventCancelled              TaskEventType = "cancelled"
)

// CancelReason discriminates why a task was cancelled.
type CancelReason string

const (
	CancelReasonUser    CancelReason = "user"
	CancelReasonTimeout CancelReason = "timeout"
)

// TaskEvent is one item in a task's event stream. Exactly the fields
// relevant to Type are meaningful.
type TaskEvent struct {
	Type TaskEventType `json:"type"`

	// EventText
	Content string `json:"content,omitempty"`

	// EventMessage
	Message *Message `json:"message,omitempty"`

	// EventToolUse, EventToolUseInput, EventToolUsePendingApproval,
	// EventToolUseApproved
	ToolName     string `json:"tool_name,omitempty"`
	PartialInput string `json:"partial_input,omitempty"`
	Parameters   any    `json:"parameters,omitempty"`

	// EventCancelled
	Reason CancelReason `json:"reason,omitempty"`
}

// NewTextEvent builds an EventText task event.
func NewTextEvent(content string) TaskEvent {
	return TaskEvent{Type: EventText, Content: content}
}

// NewMessageEvent builds an EventMessage task event.
func NewMessageEvent(msg Message) TaskEvent {
	return TaskEvent{Type: EventMessage, Message: &msg}
}

// NewToolUseEvent builds an EventToolUse task event.
func NewToolUseEvent(toolName string) TaskEvent {
	return TaskEvent{Type: EventToolUse, ToolName: toolName}
}

// NewToolUseInputEvent builds an EventToolUseInput task event.
func NewToolUseInputEvent(toolName, partialInput string) TaskEvent {
	return TaskEvent{Type: EventToolUseInput, ToolName: toolName, PartialInput: partialInput}
}

// NewToolUsePendingApprovalEvent builds an EventToolUsePendingApproval event.
func NewToolUsePendingApprovalEvent(toolName string, parameters any) TaskEvent {
	return TaskEvent{Type: EventToolUsePendingApproval, ToolName: toolName, Parameters: parameters}
}

// NewToolUseApprovedEvent builds an EventToolUseApproved task event.
func NewToolUseApprovedEvent(toolName string) TaskEvent {
	return TaskEvent{Type: EventToolUseApproved, ToolName: toolName}
}

// NewCancelledEvent builds an EventCancelled task event.
func NewCancelledEvent(reason CancelReason) TaskEvent {
	return TaskEvent{Type: EventCancelled, Reason: reason}
}
