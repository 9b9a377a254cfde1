package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds. Use errors.Is against these; the concrete types below carry
// the details.
var (
	// ErrMissingDependency: a stage's required inputs are absent or empty.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrGenerationFailure: the generation service failed or returned an
	// unusable response.
	ErrGenerationFailure = errors.New("generation failure")
	// ErrConcurrentRunRejected: a pipeline run was requested while one is
	// already active.
	ErrConcurrentRunRejected = errors.New("concurrent run rejected")
	// ErrCancelled: a pipeline run stopped at a stage boundary on request.
	ErrCancelled = errors.New("run cancelled")
)

// MissingDependencyError reports the inputs that block a stage from running.
type MissingDependencyError struct {
	StageIndex int
	StageID    string
	Missing    []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("stage %s cannot run: missing or empty inputs: %s",
		e.StageID, strings.Join(e.Missing, ", "))
}

// Is makes errors.Is(err, ErrMissingDependency) true.
func (e *MissingDependencyError) Is(target error) bool {
	return target == ErrMissingDependency
}

// GenerationError wraps the failure returned while generating a stage.
type GenerationError struct {
	StageIndex int
	StageID    string
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("stage %s generation failed: %v", e.StageID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrGenerationFailure) true.
func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailure
}

// ConcurrentRunError is returned when a run is rejected because another is
// active. ActiveRunID is empty when the holder is another process.
type ConcurrentRunError struct {
	ActiveRunID string
	Reason      string
}

func (e *ConcurrentRunError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("concurrent run rejected: %s", e.Reason)
	}
	if e.ActiveRunID != "" {
		return fmt.Sprintf("concurrent run rejected: run %s is active", e.ActiveRunID)
	}
	return "concurrent run rejected"
}

// Is makes errors.Is(err, ErrConcurrentRunRejected) true.
func (e *ConcurrentRunError) Is(target error) bool {
	return target == ErrConcurrentRunRejected
}
