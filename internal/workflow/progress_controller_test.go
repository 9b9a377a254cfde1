package workflow

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ariel-frischer/chemflow/internal/progress"
	"github.com/stretchr/testify/assert"
)

func plainDisplay(out *bytes.Buffer) *progress.ProgressDisplay {
	return progress.NewProgressDisplay(out, progress.TerminalCapabilities{IsTTY: false})
}

func TestProgressController_StartStage(t *testing.T) {
	t.Parallel()

	valid := progress.StageInfo{Name: "Flowsheet", Number: 2, Total: 4}

	tests := map[string]struct {
		withDisplay bool
		info        progress.StageInfo
		wantErr     bool
		wantOut     string
	}{
		"nil display is a no-op": {
			info: valid,
		},
		"valid stage info": {
			withDisplay: true,
			info:        valid,
			wantOut:     "[2/4] Flowsheet...\n",
		},
		"number out of range": {
			withDisplay: true,
			info:        progress.StageInfo{Name: "Flowsheet", Number: 5, Total: 4},
			wantErr:     true,
		},
		"empty name": {
			withDisplay: true,
			info:        progress.StageInfo{Number: 1, Total: 4},
			wantErr:     true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			var display *progress.ProgressDisplay
			if tc.withDisplay {
				display = plainDisplay(&out)
			}
			err := NewProgressController(display).StartStage(tc.info)

			if tc.wantErr {
				assert.ErrorContains(t, err, "starting stage display")
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.wantOut, out.String())
		})
	}
}

func TestProgressController_CompleteAndFail(t *testing.T) {
	t.Parallel()

	info := progress.StageInfo{Name: "Costing", Number: 1, Total: 1}

	var out bytes.Buffer
	controller := NewProgressController(plainDisplay(&out))
	assert.NoError(t, controller.CompleteStage(info))
	assert.Contains(t, out.String(), "[1/1] Costing")

	out.Reset()
	controller.FailStage(info, errors.New("solver diverged"))
	assert.Contains(t, out.String(), "[1/1] Costing: solver diverged")

	assert.ErrorContains(t, controller.CompleteStage(progress.StageInfo{}), "completing stage display")
}

func TestProgressController_NilSafe(t *testing.T) {
	t.Parallel()

	tests := map[string]*ProgressController{
		"nil controller": nil,
		"nil display":    NewProgressController(nil),
	}

	info := progress.StageInfo{Name: "Safety Review", Number: 1, Total: 1}
	for name, controller := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.False(t, controller.HasDisplay())
			assert.NotPanics(t, func() {
				assert.NoError(t, controller.StartStage(info))
				assert.NoError(t, controller.CompleteStage(info))
				controller.FailStage(info, errors.New("x"))
				controller.StopSpinner()
			})
		})
	}
}

func TestProgressController_HasDisplay(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	assert.True(t, NewProgressController(plainDisplay(&out)).HasDisplay())
}
