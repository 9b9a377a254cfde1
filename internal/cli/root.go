// Package cli implements the chemflow command tree.
package cli

import (
	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
	"github.com/spf13/cobra"
)

// Command groups shown in help output.
const (
	GroupWorkflow      = "workflow"
	GroupData          = "data"
	GroupConfiguration = "configuration"
)

// NewRootCmd builds the full chemflow command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chemflow",
		Short: "Stage-gated chemical process design workflow",
		Long: `chemflow drives a chemical process design project through an ordered set of
stages (requirements, research, synthesis, flowsheet, simulation, sizing,
costing, safety, approval, report). Each stage consumes upstream artifacts and
asks the generation service for its own. Editing an artifact marks everything
downstream of it outdated.

State is saved automatically in the state directory after every change.`,
		Example: `  # Show where the project stands
  chemflow status

  # Run one stage and review its outputs
  chemflow run requirements --prompt "50 kt/yr green ammonia"
  chemflow confirm requirements

  # Run every remaining stage unattended
  chemflow turbo

  # Serve the HTTP API for the front end
  chemflow serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to project config file (default .chemflow/config.yml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupWorkflow, Title: "Workflow Commands:"},
		&cobra.Group{ID: GroupData, Title: "Data Commands:"},
		&cobra.Group{ID: GroupConfiguration, Title: "Configuration Commands:"},
	)

	for _, cmd := range []*cobra.Command{
		newStatusCmd(), newStagesCmd(), newRunCmd(), newConfirmCmd(),
		newTurboCmd(), newServeCmd(),
	} {
		cmd.GroupID = GroupWorkflow
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{
		newShowCmd(), newEditCmd(), newApproveCmd(), newExportCmd(),
		newImportCmd(), newResetCmd(), newHistoryCmd(),
	} {
		cmd.GroupID = GroupData
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{newConfigCmd(), newVersionCmd()} {
		cmd.GroupID = GroupConfiguration
		rootCmd.AddCommand(cmd)
	}
	return rootCmd
}

// Execute runs the command tree, prints any failure as a banner on stderr and
// returns the process exit code.
func Execute() int {
	rootCmd := NewRootCmd()
	err := rootCmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	clierrors.PrintWorkflowError(rootCmd.ErrOrStderr(), err)
	return ExitCode(err)
}
