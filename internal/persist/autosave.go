package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ariel-frischer/chemflow/internal/snapshot"
	"github.com/ariel-frischer/chemflow/internal/state"
)

// StateKey is the namespaced key the workflow is auto-saved under.
const StateKey = "chemflow/workflow/v1"

// SchemaVersion is the auto-save envelope version.
const SchemaVersion = 1

// Envelope is the persisted auto-save record.
type Envelope struct {
	SchemaVersion int                `json:"schemaVersion"`
	SavedAt       time.Time          `json:"savedAt"`
	Snapshot      *snapshot.Document `json:"snapshot"`
	AuditLog      []state.LogEntry   `json:"auditLog,omitempty"`
}

// AutoSaver writes the workflow to a Store after every change and restores
// it at startup.
type AutoSaver struct {
	store Store
	key   string
	debug bool
	out   io.Writer
	warn  io.Writer
	now   func() time.Time
}

// AutoSaverOptions holds optional configuration for AutoSaver.
type AutoSaverOptions struct {
	Key   string    // Defaults to StateKey
	Debug bool      // Enable debug logging
	Out   io.Writer // Debug output, defaults to stdout
	Warn  io.Writer // Warning output, defaults to stderr
}

// NewAutoSaver creates an AutoSaver over store.
func NewAutoSaver(store Store, opts AutoSaverOptions) *AutoSaver {
	a := &AutoSaver{
		store: store,
		key:   opts.Key,
		debug: opts.Debug,
		out:   opts.Out,
		warn:  opts.Warn,
		now:   time.Now,
	}
	if a.key == "" {
		a.key = StateKey
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.warn == nil {
		a.warn = os.Stderr
	}
	return a
}

// debugLog prints a debug message if debug mode is enabled.
func (a *AutoSaver) debugLog(format string, args ...interface{}) {
	if a.debug {
		fmt.Fprintf(a.out, "[DEBUG][AutoSaver] "+format+"\n", args...)
	}
}

// Key returns the store key this saver writes.
func (a *AutoSaver) Key() string {
	return a.key
}

// Attach saves w after every committed change. Save failures are reported as
// warnings and never fail the mutation.
func (a *AutoSaver) Attach(w *state.Workflow) {
	w.OnChange(func(snap state.Snapshot) {
		if err := a.Save(snap); err != nil {
			fmt.Fprintf(a.warn, "Warning: auto-save failed: %v\n", err)
		}
	})
}

// Save writes snap. Secrets are excluded by the snapshot document.
func (a *AutoSaver) Save(snap state.Snapshot) error {
	now := a.now().UTC()
	env := Envelope{
		SchemaVersion: SchemaVersion,
		SavedAt:       now,
		Snapshot:      snapshot.FromSnapshot(snap, now),
		AuditLog:      snap.AuditLog,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding auto-save: %w", err)
	}
	if err := a.store.Save(a.key, data); err != nil {
		return err
	}
	a.debugLog("Saved %d bytes under %s", len(data), a.key)
	return nil
}

// Load reads and decodes the saved envelope. found is false when nothing has
// been saved yet.
func (a *AutoSaver) Load() (*Envelope, bool, error) {
	data, found, err := a.store.Load(a.key)
	if err != nil || !found {
		return nil, found, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, true, fmt.Errorf("decoding auto-save: %w", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, true, fmt.Errorf("unsupported auto-save schema version %d", env.SchemaVersion)
	}
	if env.Snapshot == nil {
		return nil, true, fmt.Errorf("auto-save has no snapshot")
	}
	return &env, true, nil
}

// Restore loads the saved state into w, which should be freshly created.
// Missing data leaves w at its defaults. Corrupt or incompatible data also
// leaves w at its defaults and prints a warning. Stages saved as running were
// interrupted and come back as failed. It reports whether state was restored.
func (a *AutoSaver) Restore(w *state.Workflow) bool {
	env, found, err := a.Load()
	if !found && err == nil {
		a.debugLog("No saved state under %s", a.key)
		return false
	}
	if err == nil {
		err = a.apply(w, env)
	}
	if err != nil {
		fmt.Fprintf(a.warn, "Warning: ignoring saved state: %v\n", err)
		return false
	}
	a.debugLog("Restored state saved at %s", env.SavedAt.Format(time.RFC3339))
	return true
}

func (a *AutoSaver) apply(w *state.Workflow, env *Envelope) error {
	doc := env.Snapshot
	if err := doc.Validate(w.Registry()); err != nil {
		return err
	}
	return w.Update(func(s *state.Snapshot, _ time.Time) ([]state.LogEntry, error) {
		doc.Merge(s)
		for idx, st := range s.StageStatuses {
			if st == state.StageRunning {
				s.StageStatuses[idx] = state.StageFailed
			}
		}
		s.AuditLog = append([]state.LogEntry(nil), env.AuditLog...)
		return nil, nil
	})
}
