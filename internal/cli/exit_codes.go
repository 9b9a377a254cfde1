package cli

import (
	"errors"

	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
)

// Exit codes for the chemflow CLI.
// These codes support programmatic composition and CI/CD integration.
const (
	// ExitSuccess indicates successful command execution
	ExitSuccess = 0

	// ExitFailure indicates a generation failure or any other runtime error
	ExitFailure = 1

	// ExitCancelled indicates a turbo run stopped on request
	ExitCancelled = 2

	// ExitInvalidArguments indicates invalid command arguments, unknown
	// stages or unknown outputs
	ExitInvalidArguments = 3

	// ExitMissingDependencies indicates a stage's upstream inputs are blank
	ExitMissingDependencies = 4

	// ExitConflict indicates another run holds the workflow
	ExitConflict = 5

	// ExitInvalidSnapshot indicates an import document was rejected
	ExitInvalidSnapshot = 6
)

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch clierrors.Kind(err) {
	case "missing_dependency":
		return ExitMissingDependencies
	case "concurrent_run_rejected":
		return ExitConflict
	case "invalid_snapshot_format":
		return ExitInvalidSnapshot
	case "cancelled":
		return ExitCancelled
	case "unknown_stage", "unknown_output":
		return ExitInvalidArguments
	}
	var cliErr *clierrors.CLIError
	if errors.As(err, &cliErr) && cliErr.Category == clierrors.Argument {
		return ExitInvalidArguments
	}
	return ExitFailure
}
