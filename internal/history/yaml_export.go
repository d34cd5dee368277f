package history

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentcore/runtime/pkg/runtime"
)

// ExportYAML writes messages as YAML to path, for operators inspecting
// or diffing a conversation outside of the JSON wire format. The
// on-disk history format used by the engine stays JSON;
// this is a tooling convenience only.
func ExportYAML(path string, messages []runtime.Message) error {
	data, err := yaml.Marshal(messages)
	if err != nil {
		return fmt.Errorf("history: marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("history: write yaml export: %w", err)
	}
	return nil
}

// ImportYAML reads messages previously written by ExportYAML.
func ImportYAML(path string) ([]runtime.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("history: read yaml export: %w", err)
	}
	var messages []runtime.Message
	if err := yaml.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("history: unmarshal yaml export: %w", err)
	}
	return messages, nil
}
