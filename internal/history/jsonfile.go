package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentcore/runtime/pkg/runtime"
)

// JSONFileRepository is the default Repository: a JSON array of
// messages at <workspaceDataDir>/history.json, written as a full-file
// rewrite-temp-then-rename on every Save so a crash mid-write never
// leaves a truncated file.
type JSONFileRepository struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewJSONFileRepository creates a repository rooted at
// <workspaceDataDir>/history.json. workspaceDataDir is created if
// missing.
func NewJSONFileRepository(workspaceDataDir string, log *slog.Logger) (*JSONFileRepository, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(workspaceDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create workspace data dir: %w", err)
	}
	return &JSONFileRepository{
		path: filepath.Join(workspaceDataDir, "history.json"),
		log:  log,
	}, nil
}

// Load reads the history file. Per the graceful-degradation policy in
// an unreadable file yields an empty history (not an error),
// and individually invalid entries are filtered out with a logged
// warning rather than failing the whole load.
func (r *JSONFileRepository) Load() ([]runtime.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		r.log.Warn("history: unreadable history file, starting empty", "path", r.path, "error", err)
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		r.log.Warn("history: corrupt history file, starting empty", "path", r.path, "error", err)
		return nil, nil
	}

	messages := make([]runtime.Message, 0, len(raw))
	for i, entry := range raw {
		var msg runtime.Message
		if err := json.Unmarshal(entry, &msg); err != nil {
			r.log.Warn("history: dropping invalid message entry", "index", i, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Save rewrites the entire history file. Implemented as write-temp +
// rename so a crash mid-write never leaves a truncated file behind.
func (r *JSONFileRepository) Save(messages []runtime.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal messages: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("history: rename history file: %w", err)
	}
	return nil
}

// Clear deletes the history file. A missing file is not an error.
func (r *JSONFileRepository) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("history: clear history file: %w", err)
	}
	return nil
}
