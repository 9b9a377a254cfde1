package workflow

import (
	"fmt"

	"github.com/ariel-frischer/chemflow/internal/progress"
)

// ProgressController wraps a ProgressDisplay with nil-safe methods that are
// no-ops when no display is configured (server mode, tests).
type ProgressController struct {
	display *progress.ProgressDisplay
}

// NewProgressController creates a new ProgressController with the given display.
// The display may be nil, in which case all methods become no-ops.
func NewProgressController(display *progress.ProgressDisplay) *ProgressController {
	return &ProgressController{
		display: display,
	}
}

// StartStage begins displaying progress for a stage.
func (p *ProgressController) StartStage(info progress.StageInfo) error {
	if p == nil || p.display == nil {
		return nil
	}

	if err := p.display.StartStage(info); err != nil {
		return fmt.Errorf("starting stage display: %w", err)
	}
	return nil
}

// CompleteStage marks a stage as completed in the progress display.
func (p *ProgressController) CompleteStage(info progress.StageInfo) error {
	if p == nil || p.display == nil {
		return nil
	}

	if err := p.display.CompleteStage(info); err != nil {
		return fmt.Errorf("completing stage display: %w", err)
	}
	return nil
}

// FailStage marks a stage as failed. Display errors are ignored.
func (p *ProgressController) FailStage(info progress.StageInfo, err error) {
	if p == nil || p.display == nil {
		return
	}
	_ = p.display.FailStage(info, err)
}

// StopSpinner stops the spinner without showing completion/failure status.
func (p *ProgressController) StopSpinner() {
	if p == nil || p.display == nil {
		return
	}
	p.display.StopSpinner()
}

// HasDisplay returns true if a progress display is configured.
func (p *ProgressController) HasDisplay() bool {
	return p != nil && p.display != nil
}
