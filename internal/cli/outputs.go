package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print one output",
		Example: `  chemflow show selected_route
  chemflow show stream_table --raw > streams.json`,
		Args: exactArgs(1, "chemflow show <output-key> [--raw]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")

			sess, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			o, ok := sess.workflow.Output(args[0])
			if !ok {
				return clierrors.UnknownOutput(args[0])
			}
			if raw {
				fmt.Fprint(sess.out, o.Value)
				return nil
			}
			fmt.Fprintf(sess.out, "%s  status=%s  version=%d  by=%s  modified=%s\n",
				o.Key, o.Status, o.Version, o.ModifiedBy, o.LastModified.Format("2006-01-02 15:04:05"))
			output.PrintSeparator(sess.out, o.Key)
			if o.Value == "" {
				fmt.Fprintln(sess.out, "(empty)")
			} else {
				fmt.Fprintln(sess.out, strings.TrimRight(o.Value, "\n"))
			}
			output.PrintSeparator(sess.out, "end")
			return nil
		},
	}
	cmd.Flags().Bool("raw", false, "Print only the value")
	return cmd
}

func newEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <key>",
		Short: "Replace an output with your own text",
		Long: `Replace an output's value. The output becomes needs_review and is attributed
to you. If the stage that owns it had finished, every finished stage
downstream of it is marked outdated.`,
		Example: `  chemflow edit selected_route --value "Route B (intensified)"
  chemflow edit stream_table --file streams.json
  cat notes.md | chemflow edit requirements --file -`,
		Args: exactArgs(1, "chemflow edit <output-key> (--value text | --file path)"),
		RunE: runEdit,
	}
	cmd.Flags().String("value", "", "New value")
	cmd.Flags().StringP("file", "f", "", "Read the new value from a file ('-' for stdin)")
	cmd.MarkFlagsMutuallyExclusive("value", "file")
	cmd.MarkFlagsOneRequired("value", "file")
	return cmd
}

func runEdit(cmd *cobra.Command, args []string) error {
	key := args[0]
	value, err := editValue(cmd)
	if err != nil {
		return err
	}

	sess, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.guardForeignRun("edit"); err != nil {
		return err
	}
	outdated, err := workflow.MarkOutputEdited(sess.workflow, key, value)
	if err != nil {
		return err
	}

	o, _ := sess.workflow.Output(key)
	output.PrintStageSuccess(sess.out, fmt.Sprintf("%s updated (version %d)", key, o.Version))
	if len(outdated) > 0 {
		reg := sess.workflow.Registry()
		ids := make([]string, 0, len(outdated))
		for _, idx := range outdated {
			st, _ := reg.StageAt(idx)
			ids = append(ids, st.ID)
		}
		fmt.Fprintf(sess.out, "Marked outdated: %s\n", strings.Join(ids, ", "))
	}
	return nil
}

// editValue returns the new value from --value or --file.
func editValue(cmd *cobra.Command) (string, error) {
	if cmd.Flags().Changed("value") {
		value, _ := cmd.Flags().GetString("value")
		return value, nil
	}
	path, _ := cmd.Flags().GetString("file")
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", clierrors.NewArgumentError(fmt.Sprintf("reading new value: %v", err))
	}
	return string(data), nil
}

func newApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "approve <key>",
		Short:   "Mark an output as approved",
		Example: `  chemflow approve selected_route`,
		Args:    exactArgs(1, "chemflow approve <output-key>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.guardForeignRun("approve"); err != nil {
				return err
			}
			if err := sess.workflow.SetOutputStatus(args[0], state.OutputApproved, state.ByUser); err != nil {
				return err
			}
			output.PrintStageSuccess(sess.out, fmt.Sprintf("%s approved", args[0]))
			return nil
		},
	}
}
