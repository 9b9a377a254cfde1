package cli

import (
	"fmt"

	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/spf13/cobra"
)

func newConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <stage>",
		Short: "Accept a reviewed stage and advance",
		Long: `Accept a stage that is awaiting review (needs_review or edited): the stage
becomes complete and the current stage pointer moves past it. Outputs keep
their review status; use 'chemflow approve' for those.`,
		Example: `  chemflow confirm requirements
  chemflow confirm 0`,
		Args: exactArgs(1, "chemflow confirm <stage-index|stage-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			stage, err := sess.resolveStage(args[0])
			if err != nil {
				return err
			}
			if err := sess.guardForeignRun("confirm"); err != nil {
				return err
			}
			if err := sess.workflow.ConfirmStage(stage.Index); err != nil {
				return err
			}

			output.PrintStageSuccess(sess.out, fmt.Sprintf("%s confirmed", stage.ID))
			next, _ := sess.workflow.Registry().StageAt(sess.workflow.CurrentStageIndex())
			fmt.Fprintf(sess.out, "Current stage: %s\n", next.ID)
			return nil
		},
	}
}
