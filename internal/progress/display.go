package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// ProgressDisplay prints one line per stage transition. On a TTY the running
// stage is shown with a spinner that is replaced by the final status line.
type ProgressDisplay struct {
	out     io.Writer
	caps    TerminalCapabilities
	symbols ProgressSymbols

	mu      sync.Mutex
	spinner *spinner.Spinner
}

// NewProgressDisplay creates a display writing to out.
func NewProgressDisplay(out io.Writer, caps TerminalCapabilities) *ProgressDisplay {
	return &ProgressDisplay{
		out:     out,
		caps:    caps,
		symbols: SelectSymbols(caps),
	}
}

// StartStage shows info as running.
func (d *ProgressDisplay) StartStage(info StageInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("invalid stage info: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	if !d.caps.IsTTY {
		fmt.Fprintf(d.out, "%s...\n", info.label())
		return nil
	}
	s := spinner.New(spinner.CharSets[d.symbols.SpinnerSet], 100*time.Millisecond, spinner.WithWriter(d.out))
	s.Suffix = " " + info.label()
	s.Start()
	d.spinner = s
	return nil
}

// CompleteStage replaces the running line with a success line.
func (d *ProgressDisplay) CompleteStage(info StageInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("invalid stage info: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	fmt.Fprintf(d.out, "%s %s\n", d.paint(color.FgGreen, d.symbols.Checkmark), info.label())
	return nil
}

// FailStage replaces the running line with a failure line carrying err.
func (d *ProgressDisplay) FailStage(info StageInfo, err error) error {
	if verr := info.Validate(); verr != nil {
		return fmt.Errorf("invalid stage info: %w", verr)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	fmt.Fprintf(d.out, "%s %s: %v\n", d.paint(color.FgRed, d.symbols.Failure), info.label(), err)
	return nil
}

// StopSpinner stops the spinner without printing a status line.
func (d *ProgressDisplay) StopSpinner() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *ProgressDisplay) stopLocked() {
	if d.spinner != nil {
		d.spinner.Stop()
		d.spinner = nil
	}
}

func (d *ProgressDisplay) paint(attr color.Attribute, s string) string {
	if !d.caps.SupportsColor {
		return s
	}
	return color.New(attr, color.Bold).Sprint(s)
}
