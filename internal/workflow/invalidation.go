package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
)

// OutdatedTargets returns the stages downstream of from that would be marked
// outdated: those currently complete or edited. Pending, running, failed and
// already outdated stages are left alone. from itself is never included.
func OutdatedTargets(reg *stages.Registry, snap *state.Snapshot, from int) []int {
	var targets []int
	for _, idx := range reg.Downstream(from) {
		switch snap.StageStatuses[idx] {
		case state.StageComplete, state.StageEdited:
			targets = append(targets, idx)
		}
	}
	return targets
}

// applyOutdated marks targets outdated on snap and returns the audit entry
// describing the cascade, or nil when nothing changed.
func applyOutdated(reg *stages.Registry, snap *state.Snapshot, from int) []state.LogEntry {
	targets := OutdatedTargets(reg, snap, from)
	if len(targets) == 0 {
		return nil
	}
	ids := make([]string, 0, len(targets))
	for _, idx := range targets {
		snap.StageStatuses[idx] = state.StageOutdated
		if s, err := reg.StageAt(idx); err == nil {
			ids = append(ids, s.ID)
		}
	}
	return []state.LogEntry{{
		Kind:       state.LogStagesOutdated,
		StageIndex: from,
		Message:    fmt.Sprintf("marked outdated: %s", strings.Join(ids, ", ")),
	}}
}

// MarkDownstreamOutdated downgrades every complete or edited stage reachable
// from the stage at from, in one commit. It returns the affected indices.
func MarkDownstreamOutdated(w *state.Workflow, from int) ([]int, error) {
	reg := w.Registry()
	if _, err := reg.StageAt(from); err != nil {
		return nil, err
	}
	var changed []int
	err := w.Update(func(s *state.Snapshot, _ time.Time) ([]state.LogEntry, error) {
		changed = OutdatedTargets(reg, s, from)
		return applyOutdated(reg, s, from), nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// MarkOutputEdited records a user edit of an output and, when the owning stage
// had finished (complete or edited), invalidates everything downstream of it.
// The edit and the cascade commit together. The owning stage's own status is
// not changed. It returns the indices marked outdated.
func MarkOutputEdited(w *state.Workflow, key, value string) ([]int, error) {
	reg := w.Registry()
	owner := reg.StageForOutput(key)
	if owner == stages.NoStage {
		return nil, fmt.Errorf("output %q: %w", key, state.ErrUnknownOutput)
	}

	var changed []int
	err := w.Update(func(s *state.Snapshot, ts time.Time) ([]state.LogEntry, error) {
		if err := s.WriteOutput(key, value, state.OutputNeedsReview, state.ByUser, ts); err != nil {
			return nil, err
		}
		entries := []state.LogEntry{{
			Kind:       state.LogOutputEdited,
			StageIndex: owner,
			OutputKey:  key,
			Message:    fmt.Sprintf("output %s edited (version %d)", key, s.Outputs[key].Version),
		}}

		switch s.StageStatuses[owner] {
		case state.StageComplete, state.StageEdited:
			changed = OutdatedTargets(reg, s, owner)
			entries = append(entries, applyOutdated(reg, s, owner)...)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}
