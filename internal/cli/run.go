package cli

import (
	"fmt"
	"strings"

	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <stage>",
		Short: "Run one stage and leave it for review",
		Long: `Run one stage against the generation service. <stage> is a stage index or id.

The stage's required inputs must be non-blank. On success every output of the
stage is replaced, the stage is left needs_review, and finished downstream
stages are marked outdated. On failure the stage is marked failed and its
outputs keep their previous values.`,
		Example: `  # Run the first stage with a design brief
  chemflow run requirements --prompt "50 kt/yr green ammonia, coastal site"

  # Re-run by index
  chemflow run 3`,
		Args: exactArgs(1, "chemflow run <stage-index|stage-id> [--prompt text]"),
		RunE: runStage,
	}
	cmd.Flags().StringP("prompt", "p", "", "Free-text guidance forwarded to the generation service")
	return cmd
}

func runStage(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	stage, err := sess.resolveStage(args[0])
	if err != nil {
		return err
	}
	if err := sess.guardForeignRun("run"); err != nil {
		return err
	}

	reg := sess.workflow.Registry()
	output.PrintStageHeader(sess.out, stage.Index+1, reg.Len(), stage.Label)

	if err := sess.executor.RunStage(cmd.Context(), stage.Index, workflow.RunOptions{Prompt: prompt}); err != nil {
		return err
	}

	snap := sess.workflow.Snapshot()
	output.PrintStageSuccess(sess.out, fmt.Sprintf("%s: %s", stage.ID, snap.StageStatuses[stage.Index]))
	for _, key := range stage.OutputKeys {
		o := snap.Outputs[key]
		fmt.Fprintf(sess.out, "  %s v%d  %s\n", key, o.Version, output.Preview(o.Value, 60))
	}

	var outdated []string
	for _, idx := range reg.Downstream(stage.Index) {
		if snap.StageStatuses[idx] == state.StageOutdated {
			st, _ := reg.StageAt(idx)
			outdated = append(outdated, st.ID)
		}
	}
	if len(outdated) > 0 {
		fmt.Fprintf(sess.out, "Outdated downstream: %s\n", strings.Join(outdated, ", "))
	}
	fmt.Fprintf(sess.out, "Review with 'chemflow show <key>', then 'chemflow confirm %s'.\n", stage.ID)
	return nil
}
