package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/ariel-frischer/chemflow/internal/snapshot"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/ariel-frischer/chemflow/internal/workflow"
)

// UnknownStage creates an error for a stage reference that matches nothing.
func UnknownStage(ref string) *CLIError {
	return NewArgumentErrorWithUsage(
		fmt.Sprintf("unknown stage: %s", ref),
		"chemflow run <stage-index|stage-id>",
		"List the stages with: chemflow stages",
	)
}

// UnknownOutput creates an error for an output key that matches nothing.
func UnknownOutput(key string) *CLIError {
	return NewArgumentError(
		fmt.Sprintf("unknown output: %s", key),
		"List the output keys with: chemflow stages",
	)
}

// FromWorkflowError converts the workflow failure kinds into CLIErrors with
// remediation. Errors that are not workflow failures are returned wrapped as
// runtime errors; nil stays nil.
func FromWorkflowError(err error) *CLIError {
	if err == nil {
		return nil
	}
	if cliErr := AsCLIError(err); cliErr != nil {
		return cliErr
	}

	var depErr *workflow.MissingDependencyError
	var genErr *workflow.GenerationError
	switch {
	case stderrors.As(err, &depErr):
		return &CLIError{
			Category: Prerequisite,
			Message:  err.Error(),
			Remediation: []string{
				fmt.Sprintf("Produce or edit the missing inputs first: %s", strings.Join(depErr.Missing, ", ")),
				"Run 'chemflow status' to see which stages are complete",
			},
			Err: err,
		}
	case stderrors.As(err, &genErr):
		return &CLIError{
			Category: Runtime,
			Message:  err.Error(),
			Remediation: []string{
				fmt.Sprintf("Re-run the stage with: chemflow run %s", genErr.StageID),
				"Check the generation service endpoint and credentials in 'chemflow config show'",
			},
			Err: err,
		}
	case stderrors.Is(err, workflow.ErrConcurrentRunRejected):
		return &CLIError{
			Category: Conflict,
			Message:  err.Error(),
			Remediation: []string{
				"Wait for the active run to finish",
				"Or cancel it (POST /api/turbo/cancel, or Ctrl-C in the terminal running it)",
			},
			Err: err,
		}
	case stderrors.Is(err, snapshot.ErrInvalidSnapshotFormat):
		return &CLIError{
			Category: Data,
			Message:  err.Error(),
			Remediation: []string{
				"Import a document produced by 'chemflow export'",
				fmt.Sprintf("The document must carry \"version\": %q", snapshot.FormatVersion),
			},
			Err: err,
		}
	case stderrors.Is(err, workflow.ErrCancelled):
		return &CLIError{
			Category:    Runtime,
			Message:     err.Error(),
			Remediation: []string{"Resume with: chemflow turbo"},
			Err:         err,
		}
	case stderrors.Is(err, stages.ErrStageNotFound), stderrors.Is(err, state.ErrUnknownStage):
		return &CLIError{Category: Argument, Message: err.Error(), Err: err,
			Remediation: []string{"List the stages with: chemflow stages"}}
	case stderrors.Is(err, state.ErrUnknownOutput):
		return &CLIError{Category: Argument, Message: err.Error(), Err: err,
			Remediation: []string{"List the output keys with: chemflow stages"}}
	default:
		return &CLIError{Category: Runtime, Message: err.Error(), Err: err}
	}
}

// Kind returns the short machine-readable name of a workflow failure, as
// used by the HTTP API.
func Kind(err error) string {
	switch {
	case stderrors.Is(err, workflow.ErrMissingDependency):
		return "missing_dependency"
	case stderrors.Is(err, workflow.ErrGenerationFailure):
		return "generation_failure"
	case stderrors.Is(err, workflow.ErrConcurrentRunRejected):
		return "concurrent_run_rejected"
	case stderrors.Is(err, snapshot.ErrInvalidSnapshotFormat):
		return "invalid_snapshot_format"
	case stderrors.Is(err, workflow.ErrCancelled):
		return "cancelled"
	case stderrors.Is(err, stages.ErrStageNotFound), stderrors.Is(err, state.ErrUnknownStage):
		return "unknown_stage"
	case stderrors.Is(err, state.ErrUnknownOutput):
		return "unknown_output"
	default:
		return "error"
	}
}
