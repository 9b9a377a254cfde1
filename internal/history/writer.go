package history

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ariel-frischer/chemflow/internal/state"
)

// Writer appends audit entries to the history file with automatic pruning.
type Writer struct {
	// StateDir is the directory containing the history file.
	StateDir string
	// MaxEntries is the maximum number of entries to retain. Zero means
	// unlimited.
	MaxEntries int
	// Warn receives write failures. Defaults to stderr.
	Warn io.Writer

	mu sync.Mutex
}

// NewWriter creates a new history writer.
func NewWriter(stateDir string, maxEntries int) *Writer {
	return &Writer{
		StateDir:   stateDir,
		MaxEntries: maxEntries,
		Warn:       os.Stderr,
	}
}

// Attach mirrors every audit entry appended to w.
func (hw *Writer) Attach(w *state.Workflow) {
	w.OnAudit(hw.LogEntry)
}

// LogEntry adds a new entry to the history file.
// Errors are non-fatal: they are reported as warnings and don't fail the
// operation that produced the entry.
func (hw *Writer) LogEntry(entry state.LogEntry) {
	if err := hw.logEntryInternal(entry); err != nil {
		fmt.Fprintf(hw.Warn, "Warning: failed to log history: %v\n", err)
	}
}

func (hw *Writer) logEntryInternal(entry state.LogEntry) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	history, err := LoadHistory(hw.StateDir)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	history.Entries = append(history.Entries, entry)

	// Prune oldest entries if over limit
	if hw.MaxEntries > 0 && len(history.Entries) > hw.MaxEntries {
		excess := len(history.Entries) - hw.MaxEntries
		history.Entries = history.Entries[excess:]
	}

	if err := SaveHistory(hw.StateDir, history); err != nil {
		return fmt.Errorf("saving history: %w", err)
	}
	return nil
}
