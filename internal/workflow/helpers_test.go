package workflow

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/ariel-frischer/chemflow/internal/generation"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/stretchr/testify/require"
)

// linearRegistry builds s0 -> s1 -> ... with one output oN per stage, each
// consuming the previous stage's output.
func linearRegistry(t *testing.T, n int) *stages.Registry {
	t.Helper()
	list := make([]stages.Stage, n)
	for i := range list {
		list[i] = stages.Stage{
			ID:         fmt.Sprintf("s%d", i),
			OutputKeys: []string{fmt.Sprintf("o%d", i)},
		}
		if i > 0 {
			list[i].DependsOn = []string{fmt.Sprintf("s%d", i-1)}
			list[i].Inputs = []string{fmt.Sprintf("o%d", i-1)}
		}
	}
	reg, err := stages.New(list)
	require.NoError(t, err)
	return reg
}

// abcRegistry is the A -> B -> C pipeline with outputs a, b, c.
func abcRegistry(t *testing.T) *stages.Registry {
	t.Helper()
	reg, err := stages.New([]stages.Stage{
		{ID: "A", OutputKeys: []string{"a"}},
		{ID: "B", DependsOn: []string{"A"}, Inputs: []string{"a"}, OutputKeys: []string{"b"}},
		{ID: "C", DependsOn: []string{"B"}, Inputs: []string{"b"}, OutputKeys: []string{"c"}},
	})
	require.NoError(t, err)
	return reg
}

type harness struct {
	wf    *state.Workflow
	gen   *generation.MockGenerator
	exec  *StageExecutor
	turbo *TurboPipeline
}

func newHarness(t *testing.T, reg *stages.Registry, opts ...TurboOptions) *harness {
	t.Helper()
	wf := state.New(reg)
	gen := generation.NewMockGenerator()
	exec := NewStageExecutor(wf, gen, StageExecutorOptions{Out: io.Discard})
	var to TurboOptions
	if len(opts) > 0 {
		to = opts[0]
	}
	to.Out = io.Discard
	return &harness{wf: wf, gen: gen, exec: exec, turbo: NewTurboPipeline(exec, to)}
}

// setStatuses writes stage statuses directly.
func (h *harness) setStatuses(t *testing.T, statuses ...state.StageStatus) {
	t.Helper()
	for i, st := range statuses {
		require.NoError(t, h.wf.SetStageStatus(i, st))
	}
}

func (h *harness) statuses() []state.StageStatus {
	snap := h.wf.Snapshot()
	out := make([]state.StageStatus, len(snap.StageStatuses))
	for i := range out {
		out[i] = snap.StageStatuses[i]
	}
	return out
}

func (h *harness) auditKinds() []state.LogKind {
	var kinds []state.LogKind
	for _, e := range h.wf.Snapshot().AuditLog {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// generatorFunc adapts a function to generation.Generator.
type generatorFunc func(ctx context.Context, req generation.Request) (*generation.Response, error)

func (f generatorFunc) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	return f(ctx, req)
}

// fakeLock is a RunLock that records calls.
type fakeLock struct {
	acquireErr error
	acquired   []string
	released   int
}

func (l *fakeLock) Acquire(runID string) error {
	if l.acquireErr != nil {
		return l.acquireErr
	}
	l.acquired = append(l.acquired, runID)
	return nil
}

func (l *fakeLock) Release() error {
	l.released++
	return nil
}
