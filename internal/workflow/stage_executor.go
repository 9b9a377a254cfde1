// Package workflow drives stage execution over a state.Workflow: single-stage
// runs, the unattended turbo pipeline, and downstream invalidation.
package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariel-frischer/chemflow/internal/generation"
	"github.com/ariel-frischer/chemflow/internal/state"
)

// RunOptions controls a single stage run.
type RunOptions struct {
	// Unattended marks the run as driven by the turbo pipeline: the stage is
	// left complete instead of needs_review and no invalidation cascade runs.
	Unattended bool
	// Prompt is optional free text forwarded to the generation service.
	Prompt string
}

// StageExecutor runs one stage at a time against a workflow: it checks
// preconditions, calls the generator and records the outcome.
type StageExecutor struct {
	workflow  *state.Workflow
	generator generation.Generator
	debug     bool
	out       io.Writer

	mu       sync.Mutex
	inflight map[int]bool
	// exclusive is held by a turbo run; only unattended runs are admitted.
	exclusive bool
}

// StageExecutorOptions holds optional configuration for StageExecutor.
type StageExecutorOptions struct {
	Debug bool      // Enable debug logging
	Out   io.Writer // Debug output, defaults to stdout
}

// NewStageExecutor creates a StageExecutor for w using gen.
func NewStageExecutor(w *state.Workflow, gen generation.Generator, opts StageExecutorOptions) *StageExecutor {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &StageExecutor{
		workflow:  w,
		generator: gen,
		debug:     opts.Debug,
		out:       out,
		inflight:  make(map[int]bool),
	}
}

// debugLog prints a debug message if debug mode is enabled.
func (s *StageExecutor) debugLog(format string, args ...interface{}) {
	if s.debug {
		fmt.Fprintf(s.out, "[DEBUG][StageExecutor] "+format+"\n", args...)
	}
}

// Workflow returns the workflow this executor writes to.
func (s *StageExecutor) Workflow() *state.Workflow {
	return s.workflow
}

// MissingInputs returns the required inputs of the stage at index that are
// absent or blank, sorted.
func (s *StageExecutor) MissingInputs(index int) ([]string, error) {
	reg := s.workflow.Registry()
	if _, err := reg.StageAt(index); err != nil {
		return nil, err
	}
	var missing []string
	for _, key := range reg.RequiredInputs(index) {
		out, ok := s.workflow.Output(key)
		if !ok || strings.TrimSpace(out.Value) == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// RunStage executes the stage at index.
//
// Errors: *MissingDependencyError when required inputs are blank (the
// generator is not called and no stage or output changes), *GenerationError
// when generation fails (the stage is left failed and no output changes),
// *ConcurrentRunError when the stage is already executing or a manual run is
// attempted during a turbo run.
func (s *StageExecutor) RunStage(ctx context.Context, index int, opts RunOptions) error {
	stage, err := s.workflow.Registry().StageAt(index)
	if err != nil {
		return err
	}
	s.debugLog("RunStage called for %s (index %d, unattended=%v)", stage.ID, index, opts.Unattended)

	if !opts.Unattended && s.workflow.TurboMode() {
		return s.reject(index, "a turbo run is active")
	}
	if reason := s.claim(index, opts.Unattended); reason != "" {
		return s.reject(index, fmt.Sprintf("stage %s: %s", stage.ID, reason))
	}
	defer s.release(index)

	missing, err := s.MissingInputs(index)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		depErr := &MissingDependencyError{StageIndex: index, StageID: stage.ID, Missing: missing}
		s.workflow.AppendLog(state.LogEntry{
			Kind:       state.LogMissingDependency,
			StageIndex: index,
			Message:    depErr.Error(),
		})
		s.debugLog("%v", depErr)
		return depErr
	}

	if err := s.workflow.Update(func(snap *state.Snapshot, _ time.Time) ([]state.LogEntry, error) {
		snap.StageStatuses[index] = state.StageRunning
		return []state.LogEntry{{
			Kind:       state.LogStageStarted,
			StageIndex: index,
			Message:    fmt.Sprintf("stage %s started", stage.ID),
		}}, nil
	}); err != nil {
		return fmt.Errorf("marking stage %s running: %w", stage.ID, err)
	}

	values, genErr := s.generate(ctx, index, stage.ID, stage.OutputKeys, opts.Prompt)
	if genErr != nil {
		return s.fail(index, stage.ID, genErr)
	}

	final := state.StageNeedsReview
	if opts.Unattended {
		final = state.StageComplete
	}
	err = s.workflow.Update(func(snap *state.Snapshot, ts time.Time) ([]state.LogEntry, error) {
		for key, value := range values {
			if err := snap.WriteOutput(key, value, state.OutputNeedsReview, state.ByAI, ts); err != nil {
				return nil, err
			}
		}
		snap.StageStatuses[index] = final
		entries := []state.LogEntry{{
			Kind:       state.LogStageCompleted,
			StageIndex: index,
			Message:    fmt.Sprintf("stage %s finished: %s", stage.ID, final),
		}}
		if !opts.Unattended {
			entries = append(entries, applyOutdated(s.workflow.Registry(), snap, index)...)
		}
		return entries, nil
	})
	if err != nil {
		return s.fail(index, stage.ID, fmt.Errorf("storing outputs: %w", err))
	}
	s.debugLog("RunStage completed for %s", stage.ID)
	return nil
}

// generate calls the generator and splits the response into per-output values.
func (s *StageExecutor) generate(ctx context.Context, index int, stageID string, keys []string, prompt string) (map[string]string, error) {
	inputs := make(map[string]string)
	for _, key := range s.workflow.Registry().RequiredInputs(index) {
		if out, ok := s.workflow.Output(key); ok {
			inputs[key] = out.Value
		}
	}
	mc := s.workflow.ModelConfig()

	resp, err := s.generator.Generate(ctx, generation.Request{
		StageID: stageID,
		Inputs:  inputs,
		ModelConfig: generation.ModelConfig{
			Provider: mc.Provider,
			Model:    mc.Model,
			APIKey:   mc.APIKey,
		},
		OutputKeys: keys,
		Prompt:     prompt,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("generator returned no response")
	}
	return resp.Split(keys)
}

// fail marks the stage failed, records the failure and returns it typed.
func (s *StageExecutor) fail(index int, stageID string, cause error) error {
	genErr := &GenerationError{StageIndex: index, StageID: stageID, Err: cause}
	err := s.workflow.Update(func(snap *state.Snapshot, _ time.Time) ([]state.LogEntry, error) {
		snap.StageStatuses[index] = state.StageFailed
		return []state.LogEntry{{
			Kind:       state.LogGenerationFailure,
			StageIndex: index,
			Message:    genErr.Error(),
		}}, nil
	})
	if err != nil {
		s.debugLog("Warning: failed to record failure of %s: %v", stageID, err)
	}
	s.debugLog("%v", genErr)
	return genErr
}

func (s *StageExecutor) reject(index int, reason string) error {
	rejErr := &ConcurrentRunError{Reason: reason}
	s.workflow.AppendLog(state.LogEntry{
		Kind:       state.LogConcurrentRunRejected,
		StageIndex: index,
		Message:    rejErr.Error(),
	})
	return rejErr
}

// claim marks index as executing. It returns the rejection reason, or ""
// when the stage was claimed.
func (s *StageExecutor) claim(index int, unattended bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclusive && !unattended {
		return "a turbo run is active"
	}
	if s.inflight[index] {
		return "already running"
	}
	s.inflight[index] = true
	return ""
}

// Busy reports whether any stage is executing.
func (s *StageExecutor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) > 0
}

// acquireExclusive reserves the executor for a turbo run. It fails while a
// stage is executing or another run holds the reservation.
func (s *StageExecutor) acquireExclusive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclusive || len(s.inflight) > 0 {
		return false
	}
	s.exclusive = true
	return true
}

func (s *StageExecutor) releaseExclusive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exclusive = false
}

func (s *StageExecutor) release(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, index)
}
