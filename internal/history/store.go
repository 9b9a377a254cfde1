// Package history mirrors the workflow audit log to history.yaml in the state
// directory so entries survive restarts and can be read by other tools.
package history

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ariel-frischer/chemflow/internal/state"
	"gopkg.in/yaml.v3"
)

// FileName is the history file inside the state directory.
const FileName = "history.yaml"

// HistoryFile is the on-disk history document.
type HistoryFile struct {
	Entries []state.LogEntry `yaml:"entries"`
}

// Path returns the history file path for stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// LoadHistory reads the history file. A missing file yields an empty history.
func LoadHistory(stateDir string) (*HistoryFile, error) {
	data, err := os.ReadFile(Path(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return &HistoryFile{}, nil
		}
		return nil, fmt.Errorf("reading history file: %w", err)
	}
	var history HistoryFile
	if err := yaml.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parsing history file: %w", err)
	}
	return &history, nil
}

// SaveHistory writes the history file atomically.
func SaveHistory(stateDir string, history *HistoryFile) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := yaml.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}

	path := Path(stateDir)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp history file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Best effort cleanup
		return fmt.Errorf("renaming temp history file: %w", err)
	}
	return nil
}

// Filter returns the entries for which keep is true, in order.
func Filter(entries []state.LogEntry, keep func(state.LogEntry) bool) []state.LogEntry {
	var out []state.LogEntry
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
