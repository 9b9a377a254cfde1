package persist

import (
	"bytes"
	"testing"

	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *stages.Registry {
	t.Helper()
	reg, err := stages.New([]stages.Stage{
		{ID: "a", OutputKeys: []string{"a"}},
		{ID: "b", DependsOn: []string{"a"}, Inputs: []string{"a"}, OutputKeys: []string{"b"}},
	})
	require.NoError(t, err)
	return reg
}

func TestAutoSaver_SaveOnEveryChangeAndRestore(t *testing.T) {
	t.Parallel()

	store := NewFileStore(t.TempDir())
	var warn bytes.Buffer
	saver := NewAutoSaver(store, AutoSaverOptions{Warn: &warn})

	w := state.New(testRegistry(t))
	w.SetModelConfig(state.ModelConfig{Model: "m", APIKey: "sk-secret"})
	saver.Attach(w)

	require.NoError(t, w.WriteOutput("a", "hello", state.OutputNeedsReview, state.ByAI))
	require.NoError(t, w.SetStageStatus(0, state.StageNeedsReview))
	require.NoError(t, w.ConfirmStage(0))

	data, found, err := store.Load(StateKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, string(data), "sk-secret")

	restored := state.New(testRegistry(t))
	assert.True(t, saver.Restore(restored))
	assert.Empty(t, warn.String())

	got := restored.Snapshot()
	assert.Equal(t, "hello", got.Outputs["a"].Value)
	assert.Equal(t, 2, got.Outputs["a"].Version)
	assert.Equal(t, state.StageComplete, got.StageStatuses[0])
	assert.Equal(t, 1, got.CurrentStageIndex)
	assert.Equal(t, "m", got.ModelConfig.Model)
	assert.Empty(t, got.ModelConfig.APIKey)
	require.Len(t, got.AuditLog, 1)
	assert.Equal(t, state.LogStageConfirmed, got.AuditLog[0].Kind)
}

func TestAutoSaver_Restore(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		stored       string
		wantRestored bool
		wantWarning  string
	}{
		"nothing saved": {},
		"corrupt json": {
			stored:      `{not json`,
			wantWarning: "ignoring saved state",
		},
		"wrong schema": {
			stored:      `{"schemaVersion":99,"snapshot":{"version":"1.0"}}`,
			wantWarning: "schema version 99",
		},
		"no snapshot": {
			stored:      `{"schemaVersion":1}`,
			wantWarning: "no snapshot",
		},
		"unknown output": {
			stored:      `{"schemaVersion":1,"snapshot":{"version":"1.0","outputs":{"zzz":{"status":"draft","modifiedBy":"ai","version":1}}}}`,
			wantWarning: "unknown output",
		},
		"interrupted run": {
			stored:       `{"schemaVersion":1,"snapshot":{"version":"1.0","stageStatuses":{"0":"running"}}}`,
			wantRestored: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := NewFileStore(t.TempDir())
			if tc.stored != "" {
				require.NoError(t, store.Save(StateKey, []byte(tc.stored)))
			}
			var warn bytes.Buffer
			saver := NewAutoSaver(store, AutoSaverOptions{Warn: &warn})

			w := state.New(testRegistry(t))
			assert.Equal(t, tc.wantRestored, saver.Restore(w))
			if tc.wantWarning != "" {
				assert.Contains(t, warn.String(), tc.wantWarning)
			} else {
				assert.Empty(t, warn.String())
			}
			if tc.wantRestored {
				assert.Equal(t, state.StageFailed, w.StageStatus(0))
				return
			}
			assert.Equal(t, state.StagePending, w.StageStatus(0), "falls back to defaults")
		})
	}
}
