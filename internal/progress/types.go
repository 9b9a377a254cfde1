// Package progress renders stage-by-stage progress for pipeline runs in the
// terminal. It degrades to plain line output when stdout is not a TTY.
package progress

import "fmt"

// TerminalCapabilities describes what the output terminal can render.
type TerminalCapabilities struct {
	IsTTY           bool
	SupportsColor   bool
	SupportsUnicode bool
}

// ProgressSymbols holds the status glyphs and the spinner.CharSets index.
type ProgressSymbols struct {
	Checkmark  string
	Failure    string
	SpinnerSet int
}

// StageInfo identifies a stage within a run. Number is 1-based.
type StageInfo struct {
	Name   string
	Number int
	Total  int
}

// Validate checks that the stage position is within the run.
func (s StageInfo) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	if s.Total < 1 {
		return fmt.Errorf("total stages must be positive, got %d", s.Total)
	}
	if s.Number < 1 || s.Number > s.Total {
		return fmt.Errorf("stage number %d out of range 1..%d", s.Number, s.Total)
	}
	return nil
}

func (s StageInfo) label() string {
	return fmt.Sprintf("[%d/%d] %s", s.Number, s.Total, s.Name)
}
