package runtime

import "time"

// Checkpoint is a named, content-addressed snapshot of the working
// directory, linked to the user message that triggered it.
type Checkpoint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files"`
}

// AdviceOnlySuffix is appended to a checkpoint's stored name when no
// file content changed between it and the prior checkpoint. It is
// stripped back off by GetCheckpointDetails.
const AdviceOnlySuffix = " (advice-only)"

// IsAdviceOnly reports whether the checkpoint was recorded with no
// file changes.
func (c Checkpoint) IsAdviceOnly() bool {
	return len(c.Files) == 0
}
