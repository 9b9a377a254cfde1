// Package state holds the canonical workflow record: the current stage
// pointer, per-stage run status, and per-output artifact value plus review
// metadata.
//
// A Workflow is an explicit container. Every component that reads or writes
// workflow state receives a *Workflow, so independent instances can coexist
// (tests, multiple projects served by one process).
//
// Concurrency: mutators are serialized and each one commits a complete new
// state before returning. Readers get detached Snapshot copies and never
// observe a partially applied mutation. Change and audit listeners run
// synchronously after the commit, in mutation order.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/oklog/ulid/v2"
)

// ErrUnknownOutput is returned when a mutator names an output key the
// registry does not know.
var ErrUnknownOutput = errors.New("unknown output")

// ErrUnknownStage is returned when a mutator names a stage index outside the
// registry.
var ErrUnknownStage = errors.New("unknown stage")

// DefaultMaxAuditEntries bounds the in-memory audit log.
const DefaultMaxAuditEntries = 1000

// Workflow is the mutable workflow record for one project.
type Workflow struct {
	reg *stages.Registry

	// writeMu serializes mutators together with their listener callbacks so
	// listeners see commits in order. mu guards snap for readers.
	writeMu sync.Mutex
	mu      sync.RWMutex
	snap    Snapshot

	now             func() time.Time
	maxAuditEntries int

	listenMu        sync.Mutex
	changeListeners []func(Snapshot)
	auditListeners  []func(LogEntry)
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// WithMaxAuditEntries bounds the in-memory audit log. Zero keeps everything.
func WithMaxAuditEntries(n int) Option {
	return func(w *Workflow) {
		w.maxAuditEntries = n
	}
}

// New creates a workflow initialized from reg: every stage pending, every
// output empty and draft at version 1, current stage 0.
func New(reg *stages.Registry, opts ...Option) *Workflow {
	w := &Workflow{
		reg:             reg,
		now:             time.Now,
		maxAuditEntries: DefaultMaxAuditEntries,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.snap = w.initialSnapshot(ModelConfig{})
	return w
}

func (w *Workflow) initialSnapshot(mc ModelConfig) Snapshot {
	ts := w.timestamp()
	snap := Snapshot{
		StageStatuses: make(map[int]StageStatus, w.reg.Len()),
		Outputs:       make(map[string]Output),
		ModelConfig:   mc,
	}
	for _, s := range w.reg.Stages() {
		snap.StageStatuses[s.Index] = StagePending
		for _, key := range s.OutputKeys {
			snap.Outputs[key] = Output{
				Key:          key,
				StageIndex:   s.Index,
				Status:       OutputDraft,
				LastModified: ts,
				ModifiedBy:   BySystem,
				Version:      1,
			}
		}
	}
	return snap
}

func (w *Workflow) timestamp() time.Time {
	return w.now().UTC()
}

// Registry returns the stage registry this workflow was built from.
func (w *Workflow) Registry() *stages.Registry {
	return w.reg
}

// OnChange registers fn to receive the committed snapshot after every mutation.
func (w *Workflow) OnChange(fn func(Snapshot)) {
	w.listenMu.Lock()
	defer w.listenMu.Unlock()
	w.changeListeners = append(w.changeListeners, fn)
}

// OnAudit registers fn to receive every appended audit entry.
func (w *Workflow) OnAudit(fn func(LogEntry)) {
	w.listenMu.Lock()
	defer w.listenMu.Unlock()
	w.auditListeners = append(w.auditListeners, fn)
}

// Snapshot returns a detached copy of the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap.Clone()
}

// Output returns the output stored under key.
func (w *Workflow) Output(key string) (Output, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out, ok := w.snap.Outputs[key]
	return out, ok
}

// StageStatus returns the run status of the stage at index.
func (w *Workflow) StageStatus(index int) StageStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap.StageStatuses[index]
}

// CurrentStageIndex returns the stage pointer.
func (w *Workflow) CurrentStageIndex() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap.CurrentStageIndex
}

// TurboMode reports whether an unattended run is active.
func (w *Workflow) TurboMode() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap.TurboMode
}

// ModelConfig returns the model settings, including the secret API key.
func (w *Workflow) ModelConfig() ModelConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap.ModelConfig
}

// mutate applies fn to a working copy and commits it if fn succeeds.
// Audit entries returned by fn are appended as part of the same commit.
func (w *Workflow) mutate(fn func(s *Snapshot, ts time.Time) ([]LogEntry, error)) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	work := w.snap.Clone()
	w.mu.RUnlock()

	ts := w.timestamp()
	entries, err := fn(&work, ts)
	if err != nil {
		return err
	}
	for i := range entries {
		entries[i] = w.stamp(entries[i], ts)
		work.AuditLog = append(work.AuditLog, entries[i])
	}
	if w.maxAuditEntries > 0 && len(work.AuditLog) > w.maxAuditEntries {
		work.AuditLog = work.AuditLog[len(work.AuditLog)-w.maxAuditEntries:]
	}

	w.mu.Lock()
	w.snap = work
	committed := w.snap.Clone()
	w.mu.Unlock()

	w.notify(committed, entries)
	return nil
}

func (w *Workflow) stamp(e LogEntry, ts time.Time) LogEntry {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = ts
	}
	return e
}

func (w *Workflow) notify(snap Snapshot, entries []LogEntry) {
	w.listenMu.Lock()
	changes := append(([]func(Snapshot))(nil), w.changeListeners...)
	audits := append(([]func(LogEntry))(nil), w.auditListeners...)
	w.listenMu.Unlock()

	for _, e := range entries {
		for _, fn := range audits {
			fn(e)
		}
	}
	for _, fn := range changes {
		fn(snap)
	}
}

func (w *Workflow) lookupOutput(s *Snapshot, key string) (Output, error) {
	out, ok := s.Outputs[key]
	if !ok || w.reg.StageForOutput(key) == stages.NoStage {
		return Output{}, fmt.Errorf("output %q: %w", key, ErrUnknownOutput)
	}
	return out, nil
}

func (w *Workflow) checkStage(index int) error {
	if index < 0 || index >= w.reg.Len() {
		return fmt.Errorf("stage index %d: %w", index, ErrUnknownStage)
	}
	return nil
}

// SetOutputValue replaces the value of an output, bumping its version and
// timestamp. Status is left unchanged.
func (w *Workflow) SetOutputValue(key, value string, by ModifiedBy) error {
	return w.mutate(func(s *Snapshot, ts time.Time) ([]LogEntry, error) {
		out, err := w.lookupOutput(s, key)
		if err != nil {
			return nil, err
		}
		out.Value = value
		out.ModifiedBy = by
		out.LastModified = ts
		out.Version++
		s.Outputs[key] = out
		return nil, nil
	})
}

// SetOutputStatus changes the review status of an output, bumping its
// version and timestamp.
func (w *Workflow) SetOutputStatus(key string, status OutputStatus, by ModifiedBy) error {
	if !status.Valid() {
		return fmt.Errorf("invalid output status %q", status)
	}
	return w.mutate(func(s *Snapshot, ts time.Time) ([]LogEntry, error) {
		out, err := w.lookupOutput(s, key)
		if err != nil {
			return nil, err
		}
		out.Status = status
		out.ModifiedBy = by
		out.LastModified = ts
		out.Version++
		s.Outputs[key] = out

		var entries []LogEntry
		if status == OutputApproved {
			entries = append(entries, LogEntry{
				Kind:       LogOutputApproved,
				StageIndex: out.StageIndex,
				OutputKey:  key,
				Message:    fmt.Sprintf("output %s approved", key),
			})
		}
		return entries, nil
	})
}

// WriteOutput sets value and status together as one mutation: the version is
// bumped exactly once.
func (w *Workflow) WriteOutput(key, value string, status OutputStatus, by ModifiedBy) error {
	return w.WriteOutputs(map[string]string{key: value}, status, by)
}

// WriteOutputs applies WriteOutput to several keys in a single commit. Either
// every key is written or none is.
func (w *Workflow) WriteOutputs(values map[string]string, status OutputStatus, by ModifiedBy) error {
	if !status.Valid() {
		return fmt.Errorf("invalid output status %q", status)
	}
	return w.mutate(func(s *Snapshot, ts time.Time) ([]LogEntry, error) {
		for key := range values {
			if _, err := w.lookupOutput(s, key); err != nil {
				return nil, err
			}
		}
		for key, value := range values {
			if err := s.WriteOutput(key, value, status, by, ts); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// SetStageStatus sets the run status of the stage at index.
func (w *Workflow) SetStageStatus(index int, status StageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid stage status %q", status)
	}
	return w.mutate(func(s *Snapshot, _ time.Time) ([]LogEntry, error) {
		if err := w.checkStage(index); err != nil {
			return nil, err
		}
		s.StageStatuses[index] = status
		return nil, nil
	})
}

// AdvanceStage moves the stage pointer forward by one. It reports false when
// the pointer is already on the last stage.
func (w *Workflow) AdvanceStage() (int, bool) {
	advanced := false
	var current int
	_ = w.mutate(func(s *Snapshot, _ time.Time) ([]LogEntry, error) {
		if s.CurrentStageIndex < w.reg.LastIndex() {
			s.CurrentStageIndex++
			advanced = true
		}
		current = s.CurrentStageIndex
		return nil, nil
	})
	return current, advanced
}

// SetCurrentStage moves the stage pointer to index if that is forward of the
// current position. The pointer never moves backwards.
func (w *Workflow) SetCurrentStage(index int) error {
	return w.mutate(func(s *Snapshot, _ time.Time) ([]LogEntry, error) {
		if err := w.checkStage(index); err != nil {
			return nil, err
		}
		if index > s.CurrentStageIndex {
			s.CurrentStageIndex = index
		}
		return nil, nil
	})
}

// ConfirmStage is the "confirm and advance" action: a stage awaiting review
// becomes complete and the pointer moves past it.
func (w *Workflow) ConfirmStage(index int) error {
	return w.mutate(func(s *Snapshot, _ time.Time) ([]LogEntry, error) {
		if err := w.checkStage(index); err != nil {
			return nil, err
		}
		switch s.StageStatuses[index] {
		case StageNeedsReview, StageEdited:
			s.StageStatuses[index] = StageComplete
		case StageComplete:
		default:
			return nil, fmt.Errorf("stage %d is %s: only reviewed stages can be confirmed", index, s.StageStatuses[index])
		}
		if index >= s.CurrentStageIndex && s.CurrentStageIndex < w.reg.LastIndex() {
			s.CurrentStageIndex = index + 1
		}
		return []LogEntry{{
			Kind:       LogStageConfirmed,
			StageIndex: index,
			Message:    fmt.Sprintf("stage %d confirmed", index),
		}}, nil
	})
}

// SetTurboMode flags whether an unattended run is active.
func (w *Workflow) SetTurboMode(on bool) {
	_ = w.mutate(func(s *Snapshot, _ time.Time) ([]LogEntry, error) {
		s.TurboMode = on
		return nil, nil
	})
}

// SetModelConfig replaces the model settings.
func (w *Workflow) SetModelConfig(mc ModelConfig) {
	_ = w.mutate(func(s *Snapshot, _ time.Time) ([]LogEntry, error) {
		s.ModelConfig = mc
		return nil, nil
	})
}

// AppendLog appends an audit entry, filling in ID and timestamp when unset.
func (w *Workflow) AppendLog(entry LogEntry) {
	_ = w.mutate(func(_ *Snapshot, _ time.Time) ([]LogEntry, error) {
		return []LogEntry{entry}, nil
	})
}

// Update runs fn against a working copy and commits it only if fn returns nil
// and the result still satisfies the registry invariants. ts is the commit
// timestamp. Audit entries returned by fn are appended in the same commit.
// Update is how composite operations (edit + cascade, import) stay atomic.
func (w *Workflow) Update(fn func(s *Snapshot, ts time.Time) ([]LogEntry, error)) error {
	return w.mutate(func(s *Snapshot, ts time.Time) ([]LogEntry, error) {
		entries, err := fn(s, ts)
		if err != nil {
			return nil, err
		}
		if err := w.checkInvariants(s); err != nil {
			return nil, err
		}
		return entries, nil
	})
}

func (w *Workflow) checkInvariants(s *Snapshot) error {
	if s.CurrentStageIndex < 0 || s.CurrentStageIndex > w.reg.LastIndex() {
		return fmt.Errorf("current stage index %d out of range", s.CurrentStageIndex)
	}
	for key, out := range s.Outputs {
		owner := w.reg.StageForOutput(key)
		if owner == stages.NoStage {
			return fmt.Errorf("output %q: %w", key, ErrUnknownOutput)
		}
		if out.StageIndex != owner || out.Key != key {
			return fmt.Errorf("output %q must belong to stage %d", key, owner)
		}
		if out.Version < 1 {
			return fmt.Errorf("output %q: version must be >= 1", key)
		}
	}
	for idx, status := range s.StageStatuses {
		if err := w.checkStage(idx); err != nil {
			return err
		}
		if !status.Valid() {
			return fmt.Errorf("stage %d: invalid status %q", idx, status)
		}
	}
	return nil
}

// Reset restores every stage to pending, every output to empty draft and the
// pointer to zero. Model settings and the audit log are kept.
func (w *Workflow) Reset() {
	_ = w.mutate(func(s *Snapshot, _ time.Time) ([]LogEntry, error) {
		fresh := w.initialSnapshot(s.ModelConfig)
		fresh.AuditLog = s.AuditLog
		*s = fresh
		return []LogEntry{{
			Kind:       LogReset,
			StageIndex: NoStageIndex,
			Message:    "project reset",
		}}, nil
	})
}
