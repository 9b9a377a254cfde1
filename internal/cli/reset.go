package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Start the project over",
		Long: `Return every stage to pending and every output to an empty draft, and move
the current stage back to the first one. Model settings and the audit history
are kept.`,
		Example: `  chemflow reset
  chemflow reset --yes`,
		Args: exactArgs(0, "chemflow reset [--yes]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")

			sess, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.guardForeignRun("reset"); err != nil {
				return err
			}
			if !yes {
				ok, err := promptYesNo(cmd.InOrStdin(), sess.out, "Discard all stage outputs?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(sess.out, "Reset cancelled.")
					return nil
				}
			}

			sess.workflow.Reset()
			output.PrintStageSuccess(sess.out, "project reset")
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

// promptYesNo asks question on out and reads the answer from in. Anything
// other than y or yes is a no, including end of input.
func promptYesNo(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
