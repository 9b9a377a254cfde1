package cli

import (
	"fmt"
	"io"
	"os"

	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/ariel-frischer/chemflow/internal/snapshot"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the project as a snapshot document",
		Long: `Write the whole project (stage statuses, outputs, current stage and model
settings) as a versioned JSON document. Secrets such as the API key are never
included.`,
		Example: `  chemflow export -o ammonia.json
  chemflow export | jq .outputs`,
		Args: exactArgs(0, "chemflow export [-o file]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("output")

			sess, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			data, err := snapshot.Export(sess.workflow)
			if err != nil {
				return err
			}
			if path == "" || path == "-" {
				_, err = fmt.Fprintln(sess.out, string(data))
				return err
			}
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("writing snapshot: %w", err)
			}
			output.PrintStageSuccess(cmd.ErrOrStderr(), fmt.Sprintf("exported to %s", path))
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load a snapshot document",
		Long: `Load a document written by 'chemflow export' ('-' reads stdin). The document
is validated in full before anything changes: an invalid document leaves the
project untouched. Fields missing from the document keep their current
values, and the local API key is never overwritten.`,
		Example: `  chemflow import ammonia.json`,
		Args:    exactArgs(1, "chemflow import <file|->"),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return clierrors.NewArgumentError(fmt.Sprintf("reading snapshot: %v", err))
			}

			sess, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.guardForeignRun("import"); err != nil {
				return err
			}
			if err := snapshot.Import(sess.workflow, data); err != nil {
				return err
			}
			output.PrintStageSuccess(sess.out, fmt.Sprintf("imported %s", args[0]))
			return nil
		},
	}
}
