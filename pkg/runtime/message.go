// Package runtime holds the data model shared across the task engine,
// interceptor chain, checkpoint store, and attachment cache: messages,
// content blocks, checkpoints, and task events.
package runtime

import "time"

// Role indicates the message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation: a role, a timestamp, an
// ordered sequence of content blocks, and an optional link to the
// checkpoint created when this message was appended.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`

	Content []ContentBlock `json:"content"`

	// CheckpointID links a user message to the checkpoint snapshotted
	// just before it was appended. At most one checkpoint per message.
	// Only the id is stored here; checkpoint metadata is looked up
	// lazily through the Checkpoint Store, never cached in-memory.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Text concatenates every text block in the message, in order. Useful
// for interceptors that only care about the last response text.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}

// ToolUseBlocks returns every tool_use block in the message, in order.
func (m Message) ToolUseBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == ContentToolUse {
			out = append(out, b)
		}
	}
	return out
}

// HasToolUse reports whether the message carries any tool_use block.
func (m Message) HasToolUse() bool {
	return len(m.ToolUseBlocks()) > 0
}

// FileAttachmentIDs returns the distinct file_attachment fileIds
// referenced anywhere in the message content, in first-seen order.
func (m Message) FileAttachmentIDs() []string {
	var out []string
	seen := make(map[string]bool)
	for _, b := range m.Content {
		ids := b.fileAttachmentIDs()
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
