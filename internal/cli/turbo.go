package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/ariel-frischer/chemflow/internal/progress"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newTurboCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turbo",
		Short: "Run every remaining stage unattended",
		Long: `Run the stages from the current stage (or --from) through the last one,
in order, without review. Each stage is left complete. The run stops at the
first stage that fails; stages after it are not touched.

Only one run may hold a state directory at a time. Ctrl+C stops the run
after the stage in flight finishes.`,
		Example: `  # Continue from the current stage
  chemflow turbo

  # Redo everything from the flowsheet onwards
  chemflow turbo --from flowsheet`,
		Args: exactArgs(0, "chemflow turbo [--from <stage>]"),
		RunE: runTurbo,
	}
	cmd.Flags().String("from", "", "Stage index or id to start from (default: current stage)")
	return cmd
}

func runTurbo(cmd *cobra.Command, _ []string) error {
	from, _ := cmd.Flags().GetString("from")

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	start := sess.workflow.CurrentStageIndex()
	if from != "" {
		stage, err := sess.resolveStage(from)
		if err != nil {
			return err
		}
		start = stage.Index
	}

	display := progress.NewProgressDisplay(sess.out, progress.DetectTerminal(os.Stdout))
	pipeline := workflow.NewTurboPipeline(sess.executor, workflow.TurboOptions{
		Progress: workflow.NewProgressController(display),
		Lock:     sess.lock,
		Debug:    sess.cfg.Debug,
		Out:      sess.errOut,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.RunFrom(ctx, start)
	if res == nil {
		return err
	}

	reg := sess.workflow.Registry()
	switch res.Status {
	case workflow.TurboCompleted:
		output.PrintStageSuccess(sess.out, fmt.Sprintf("turbo run %s completed", res.RunID))
	case workflow.TurboFailed:
		failed, _ := reg.StageAt(res.FailedStageIndex)
		color.New(color.FgRed, color.Bold).Fprintf(sess.out, "Turbo run stopped at %s\n", failed.ID)
	case workflow.TurboCancelled:
		next, _ := reg.StageAt(res.StoppedAtIndex)
		color.New(color.FgYellow).Fprintf(sess.out, "Turbo run cancelled before %s\n", next.ID)
	}
	return err
}
