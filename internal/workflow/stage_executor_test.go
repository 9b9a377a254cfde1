package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ariel-frischer/chemflow/internal/generation"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStage_MissingDependency(t *testing.T) {
	t.Parallel()

	h := newHarness(t, abcRegistry(t))
	require.NoError(t, h.wf.WriteOutput("a", "   ", state.OutputNeedsReview, state.ByUser))
	before := h.wf.Snapshot()

	err := h.exec.RunStage(context.Background(), 1, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDependency)

	var depErr *MissingDependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []string{"a"}, depErr.Missing)
	assert.Equal(t, 0, h.gen.CallCount("B"), "generator must not be called")

	after := h.wf.Snapshot()
	assert.Equal(t, before.StageStatuses, after.StageStatuses)
	assert.Equal(t, before.Outputs, after.Outputs)
	assert.Equal(t, []state.LogKind{state.LogMissingDependency}, h.auditKinds())
}

func TestRunStage_Success(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		unattended bool
		wantStatus state.StageStatus
		wantC      state.StageStatus
	}{
		"manual run awaits review and cascades": {
			wantStatus: review,
			wantC:      outdated,
		},
		"unattended run completes without cascade": {
			unattended: true,
			wantStatus: complete,
			wantC:      complete,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, abcRegistry(t))
			require.NoError(t, h.wf.WriteOutput("a", "spec", state.OutputApproved, state.ByUser))
			h.setStatuses(t, complete, complete, complete)

			require.NoError(t, h.exec.RunStage(context.Background(), 1, RunOptions{Unattended: tc.unattended}))

			assert.Equal(t, []state.StageStatus{complete, tc.wantStatus, tc.wantC}, h.statuses())
			out, _ := h.wf.Output("b")
			assert.NotEmpty(t, out.Value)
			assert.Equal(t, state.OutputNeedsReview, out.Status)
			assert.Equal(t, state.ByAI, out.ModifiedBy)
			assert.Equal(t, 2, out.Version)

			a, _ := h.wf.Output("a")
			assert.Equal(t, state.OutputApproved, a.Status, "inputs are not modified")
		})
	}
}

func TestRunStage_ForwardsRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, abcRegistry(t))
	h.wf.SetModelConfig(state.ModelConfig{Provider: "p", Model: "m", APIKey: "sk"})
	require.NoError(t, h.wf.WriteOutput("a", "spec", state.OutputNeedsReview, state.ByAI))

	require.NoError(t, h.exec.RunStage(context.Background(), 1, RunOptions{Prompt: "focus on safety"}))

	calls := h.gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "B", calls[0].StageID)
	assert.Equal(t, map[string]string{"a": "spec"}, calls[0].Inputs)
	assert.Equal(t, []string{"b"}, calls[0].OutputKeys)
	assert.Equal(t, "focus on safety", calls[0].Prompt)
	assert.Equal(t, generation.ModelConfig{Provider: "p", Model: "m", APIKey: "sk"}, calls[0].ModelConfig)
}

func TestRunStage_GenerationFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, abcRegistry(t))
	h.gen.FailStage("A", "model overloaded")
	before, _ := h.wf.Output("a")

	err := h.exec.RunStage(context.Background(), 0, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailure)

	var svcErr *generation.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "model overloaded", svcErr.Message)

	assert.Equal(t, failed, h.wf.StageStatus(0))
	after, _ := h.wf.Output("a")
	assert.Equal(t, before, after, "no output is modified on failure")
	assert.Equal(t, []state.LogKind{state.LogStageStarted, state.LogGenerationFailure}, h.auditKinds())

	// no automatic retry; an explicit re-run succeeds
	h.gen.ClearFailures()
	require.NoError(t, h.exec.RunStage(context.Background(), 0, RunOptions{}))
	assert.Equal(t, review, h.wf.StageStatus(0))
	assert.Equal(t, 2, h.gen.CallCount("A"))
}

func TestRunStage_MultiOutputResponse(t *testing.T) {
	t.Parallel()

	reg, err := stages.New([]stages.Stage{
		{ID: "route", OutputKeys: []string{"options", "choice"}},
	})
	require.NoError(t, err)

	tests := map[string]struct {
		output  string
		wantErr bool
	}{
		"object with every key": {output: `{"options":"A, B","choice":"A"}`},
		"missing key":           {output: `{"options":"A, B"}`, wantErr: true},
		"plain string":          {output: `"A"`, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			wf := state.New(reg)
			gen := generatorFunc(func(context.Context, generation.Request) (*generation.Response, error) {
				return &generation.Response{Status: generation.StatusCompleted, Output: json.RawMessage(tc.output)}, nil
			})
			exec := NewStageExecutor(wf, gen, StageExecutorOptions{})

			err := exec.RunStage(context.Background(), 0, RunOptions{})
			snap := wf.Snapshot()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrGenerationFailure)
				assert.Equal(t, failed, snap.StageStatuses[0])
				assert.Equal(t, 1, snap.Outputs["options"].Version)
				assert.Equal(t, 1, snap.Outputs["choice"].Version)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "A, B", snap.Outputs["options"].Value)
			assert.Equal(t, "A", snap.Outputs["choice"].Value)
		})
	}
}

func TestRunStage_RejectsManualRunDuringTurbo(t *testing.T) {
	t.Parallel()

	h := newHarness(t, abcRegistry(t))
	h.wf.SetTurboMode(true)

	err := h.exec.RunStage(context.Background(), 0, RunOptions{})
	assert.ErrorIs(t, err, ErrConcurrentRunRejected)
	assert.Equal(t, pending, h.wf.StageStatus(0))
	assert.Zero(t, h.gen.CallCount("A"))
}

func TestRunStage_RejectsSameStageTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, abcRegistry(t))
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.gen.Hook = func(ctx context.Context, req generation.Request) error {
		close(entered)
		<-unblock
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- h.exec.RunStage(context.Background(), 0, RunOptions{}) }()
	<-entered

	assert.Equal(t, running, h.wf.StageStatus(0))
	err := h.exec.RunStage(context.Background(), 0, RunOptions{})
	assert.ErrorIs(t, err, ErrConcurrentRunRejected)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, review, h.wf.StageStatus(0))
}

func TestRunStage_UnknownStage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, abcRegistry(t))
	err := h.exec.RunStage(context.Background(), 5, RunOptions{})
	assert.ErrorIs(t, err, stages.ErrStageNotFound)
	assert.False(t, errors.Is(err, ErrGenerationFailure))
}
