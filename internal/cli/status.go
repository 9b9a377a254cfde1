package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/ariel-frischer/chemflow/internal/persist"
	"github.com/ariel-frischer/chemflow/internal/progress"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stage and output status",
		Long: `Show every stage with its status, the current stage pointer and each output's
review status and version.

With --watch the table is redrawn whenever the saved state changes, for
example while 'chemflow turbo' or 'chemflow serve' runs in another terminal.`,
		Example: `  # One-off status
  chemflow status

  # Follow a turbo run from another terminal
  chemflow status --watch`,
		Args: exactArgs(0, "chemflow status [--watch]"),
		RunE: runStatus,
	}
	cmd.Flags().BoolP("watch", "w", false, "Redraw whenever the saved state changes")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	watch, _ := cmd.Flags().GetBool("watch")

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	renderStatus(sess.out, sess.workflow.Registry(), sess.workflow.Snapshot())
	if !watch {
		return nil
	}
	return watchStatus(cmd, sess)
}

// watchStatus redraws the status table after every change to the saved state
// until interrupted.
func watchStatus(cmd *cobra.Command, sess *session) error {
	path := sess.store.WatchPath(sess.saver.Key())
	watcher, err := persist.NewWatcher(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clearScreen := progress.DetectTerminal(os.Stdout).IsTTY
	fmt.Fprintf(sess.errOut, "Watching %s (Ctrl+C to quit)\n", path)
	for range watcher.Changes(ctx) {
		fresh := state.New(sess.workflow.Registry())
		sess.saver.Restore(fresh)
		if clearScreen {
			fmt.Fprint(sess.out, "\033[H\033[2J")
		}
		renderStatus(sess.out, fresh.Registry(), fresh.Snapshot())
	}
	return nil
}

// statusColor picks the display color of a stage or output status.
func statusColor(status string) *color.Color {
	switch status {
	case string(state.StageComplete), string(state.OutputApproved):
		return color.New(color.FgGreen)
	case string(state.StageNeedsReview), string(state.StageEdited):
		return color.New(color.FgYellow)
	case string(state.StageOutdated), string(state.OutputNeedsRerun):
		return color.New(color.FgMagenta)
	case string(state.StageFailed):
		return color.New(color.FgRed, color.Bold)
	case string(state.StageRunning):
		return color.New(color.FgCyan)
	default:
		return color.New(color.Faint)
	}
}

// renderStatus prints the stage table for snap.
func renderStatus(out io.Writer, reg *stages.Registry, snap state.Snapshot) {
	bold := color.New(color.Bold).SprintFunc()
	current, _ := reg.StageAt(snap.CurrentStageIndex)

	header := fmt.Sprintf("Current stage: %d/%d %s", snap.CurrentStageIndex+1, reg.Len(), current.Label)
	if snap.TurboMode {
		header += color.New(color.FgCyan).Sprint("  [turbo run active]")
	}
	fmt.Fprintln(out, bold(header))
	fmt.Fprintln(out)

	width := output.GetTerminalWidth()
	for _, st := range reg.Stages() {
		marker := " "
		if st.Index == snap.CurrentStageIndex {
			marker = ">"
		}
		status := string(snap.StageStatuses[st.Index])
		fmt.Fprintf(out, "%s %2d  %-12s %s\n",
			marker, st.Index, st.ID, statusColor(status).Sprintf("%-13s", status))

		for _, key := range st.OutputKeys {
			o := snap.Outputs[key]
			line := fmt.Sprintf("      %s %s v%d", key, statusColor(string(o.Status)).Sprint(o.Status), o.Version)
			if strings.TrimSpace(o.Value) != "" {
				budget := width - len(key) - len(o.Status) - 20
				line += "  " + color.New(color.Faint).Sprint(output.Preview(o.Value, budget))
			}
			fmt.Fprintln(out, line)
		}
	}
}
