package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ariel-frischer/chemflow/internal/progress"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// TurboStatus is the outcome of a turbo run.
type TurboStatus string

const (
	TurboCompleted TurboStatus = "completed"
	TurboFailed    TurboStatus = "failed"
	TurboCancelled TurboStatus = "cancelled"
)

// TurboResult describes how a turbo run ended.
type TurboResult struct {
	RunID           string      `json:"runId"`
	Status          TurboStatus `json:"status"`
	StartStageIndex int         `json:"startStageIndex"`
	// FailedStageIndex is the stage that failed, or stages.NoStage.
	FailedStageIndex int `json:"failedStageIndex"`
	// StoppedAtIndex is the first stage not started after a cancellation,
	// or stages.NoStage.
	StoppedAtIndex int   `json:"stoppedAtIndex"`
	Err            error `json:"-"`
}

// RunLock is an optional lock shared with other processes working on the
// same project. Acquire must fail if another holder is active.
type RunLock interface {
	Acquire(runID string) error
	Release() error
}

// TurboOptions holds optional configuration for TurboPipeline.
type TurboOptions struct {
	Progress *ProgressController
	Lock     RunLock
	Debug    bool
	Out      io.Writer
}

// TurboPipeline runs the remaining stages unattended, one after another,
// stopping at the first failure. At most one run is active per pipeline.
type TurboPipeline struct {
	executor *StageExecutor
	workflow *state.Workflow
	progress *ProgressController
	lock     RunLock
	sem      *semaphore.Weighted
	debug    bool
	out      io.Writer

	mu          sync.Mutex
	activeRunID string
	cancelled   bool
}

// NewTurboPipeline creates a pipeline that executes stages through exec.
func NewTurboPipeline(exec *StageExecutor, opts TurboOptions) *TurboPipeline {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &TurboPipeline{
		executor: exec,
		workflow: exec.Workflow(),
		progress: opts.Progress,
		lock:     opts.Lock,
		sem:      semaphore.NewWeighted(1),
		debug:    opts.Debug,
		out:      out,
	}
}

// debugLog prints a debug message if debug mode is enabled.
func (p *TurboPipeline) debugLog(format string, args ...interface{}) {
	if p.debug {
		fmt.Fprintf(p.out, "[DEBUG][TurboPipeline] "+format+"\n", args...)
	}
}

// RunFrom runs stages start..last and blocks until the run ends.
//
// A run that cannot start (bad index, another run active) returns a nil
// result. Otherwise the result is always non-nil and the returned error is
// result.Err: nil when completed, *GenerationError or *MissingDependencyError
// when failed, ErrCancelled when cancelled.
func (p *TurboPipeline) RunFrom(ctx context.Context, start int) (*TurboResult, error) {
	runID, release, err := p.begin(start)
	if err != nil {
		return nil, err
	}
	defer release()
	res := p.execute(ctx, runID, start)
	return res, res.Err
}

// Start begins a run in the background and returns its id once the run has
// been admitted. The result is delivered on the returned channel.
func (p *TurboPipeline) Start(ctx context.Context, start int) (string, <-chan *TurboResult, error) {
	runID, release, err := p.begin(start)
	if err != nil {
		return "", nil, err
	}
	done := make(chan *TurboResult, 1)
	go func() {
		defer release()
		done <- p.execute(ctx, runID, start)
	}()
	return runID, done, nil
}

// Cancel asks the active run to stop before its next stage. The stage in
// flight is allowed to finish. It reports false when no run is active.
func (p *TurboPipeline) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeRunID == "" {
		return false
	}
	p.cancelled = true
	p.debugLog("Cancel requested for run %s", p.activeRunID)
	return true
}

// Running returns the id of the active run.
func (p *TurboPipeline) Running() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeRunID, p.activeRunID != ""
}

// begin admits a run: it validates start, takes the single-flight slot and
// the optional cross-process lock, and marks the workflow as in turbo mode.
func (p *TurboPipeline) begin(start int) (string, func(), error) {
	reg := p.workflow.Registry()
	if _, err := reg.StageAt(start); err != nil {
		return "", nil, err
	}

	if !p.sem.TryAcquire(1) {
		active, _ := p.Running()
		return "", nil, p.reject(&ConcurrentRunError{ActiveRunID: active})
	}
	if !p.executor.acquireExclusive() {
		p.sem.Release(1)
		return "", nil, p.reject(&ConcurrentRunError{Reason: "a stage run is in progress"})
	}

	runID := uuid.NewString()
	if p.lock != nil {
		if err := p.lock.Acquire(runID); err != nil {
			p.executor.releaseExclusive()
			p.sem.Release(1)
			return "", nil, p.reject(&ConcurrentRunError{Reason: err.Error()})
		}
	}

	p.mu.Lock()
	p.activeRunID = runID
	p.cancelled = false
	p.mu.Unlock()

	_ = p.workflow.Update(func(s *state.Snapshot, _ time.Time) ([]state.LogEntry, error) {
		s.TurboMode = true
		return []state.LogEntry{{
			Kind:       state.LogTurboStarted,
			StageIndex: start,
			Message:    fmt.Sprintf("turbo run %s started at stage %d", runID, start),
		}}, nil
	})
	p.debugLog("Run %s admitted from stage %d", runID, start)

	release := func() {
		p.mu.Lock()
		p.activeRunID = ""
		p.cancelled = false
		p.mu.Unlock()
		if p.lock != nil {
			if err := p.lock.Release(); err != nil {
				p.debugLog("Warning: failed to release run lock: %v", err)
			}
		}
		p.executor.releaseExclusive()
		p.sem.Release(1)
	}
	return runID, release, nil
}

// Guard rejects action while a run is active. The rejection is audited like
// any other concurrent run.
func (p *TurboPipeline) Guard(action string) error {
	active, running := p.Running()
	if !running {
		return nil
	}
	return p.reject(&ConcurrentRunError{
		ActiveRunID: active,
		Reason:      fmt.Sprintf("%s is not allowed while run %s is active", action, active),
	})
}

func (p *TurboPipeline) reject(err *ConcurrentRunError) error {
	p.workflow.AppendLog(state.LogEntry{
		Kind:       state.LogConcurrentRunRejected,
		StageIndex: state.NoStageIndex,
		Message:    err.Error(),
	})
	p.debugLog("%v", err)
	return err
}

func (p *TurboPipeline) cancelRequested(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled || ctx.Err() != nil
}

// execute runs the admitted stages in order. Generator calls use a context
// detached from ctx cancellation: cancelling ctx stops the run at the next
// stage boundary but never aborts the call in flight.
func (p *TurboPipeline) execute(ctx context.Context, runID string, start int) *TurboResult {
	reg := p.workflow.Registry()
	last := reg.LastIndex()
	res := &TurboResult{
		RunID:            runID,
		Status:           TurboCompleted,
		StartStageIndex:  start,
		FailedStageIndex: stages.NoStage,
		StoppedAtIndex:   stages.NoStage,
	}
	defer p.finish(res)

	callCtx := context.WithoutCancel(ctx)
	for i := start; i <= last; i++ {
		if p.cancelRequested(ctx) {
			res.Status = TurboCancelled
			res.StoppedAtIndex = i
			res.Err = ErrCancelled
			return res
		}

		stage, _ := reg.StageAt(i)
		info := progress.StageInfo{Name: stage.Label, Number: i - start + 1, Total: last - start + 1}
		if err := p.workflow.SetCurrentStage(i); err != nil {
			res.Status = TurboFailed
			res.FailedStageIndex = i
			res.Err = err
			return res
		}
		if err := p.progress.StartStage(info); err != nil {
			p.debugLog("Warning: %v", err)
		}

		if err := p.executor.RunStage(callCtx, i, RunOptions{Unattended: true}); err != nil {
			p.progress.FailStage(info, err)
			res.Status = TurboFailed
			res.FailedStageIndex = i
			res.Err = err
			return res
		}
		if err := p.progress.CompleteStage(info); err != nil {
			p.debugLog("Warning: %v", err)
		}
	}
	return res
}

func (p *TurboPipeline) finish(res *TurboResult) {
	msg := fmt.Sprintf("turbo run %s %s", res.RunID, res.Status)
	switch {
	case res.Status == TurboFailed:
		msg = fmt.Sprintf("%s at stage %d", msg, res.FailedStageIndex)
	case errors.Is(res.Err, ErrCancelled):
		msg = fmt.Sprintf("%s before stage %d", msg, res.StoppedAtIndex)
	}
	_ = p.workflow.Update(func(s *state.Snapshot, _ time.Time) ([]state.LogEntry, error) {
		s.TurboMode = false
		return []state.LogEntry{{
			Kind:       state.LogTurboFinished,
			StageIndex: res.StartStageIndex,
			Message:    msg,
		}}, nil
	})
	p.debugLog("%s", msg)
}
