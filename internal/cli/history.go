package cli

import (
	"fmt"

	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
	"github.com/ariel-frischer/chemflow/internal/history"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "View the audit history",
		Long: `View the audit history kept in history.yaml: stage runs, confirmations,
edits, invalidations, turbo runs, imports, resets and every rejected or
failed operation.`,
		Example: `  chemflow history -n 20
  chemflow history --errors
  chemflow history --kind output_edited`,
		Args: exactArgs(0, "chemflow history [-n N] [--kind kind] [--errors] [--clear]"),
		RunE: runHistory,
	}
	cmd.Flags().IntP("limit", "n", 0, "Limit to last N entries (most recent)")
	cmd.Flags().String("kind", "", "Only entries of this kind")
	cmd.Flags().Bool("errors", false, "Only failures and rejections")
	cmd.Flags().Bool("clear", false, "Clear all history")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	kind, _ := cmd.Flags().GetString("kind")
	errorsOnly, _ := cmd.Flags().GetBool("errors")
	clearFlag, _ := cmd.Flags().GetBool("clear")

	if limit < 0 {
		return clierrors.NewArgumentError(fmt.Sprintf("limit must be positive, got %d", limit))
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if clearFlag {
		if err := history.SaveHistory(cfg.StateDir, &history.HistoryFile{}); err != nil {
			return fmt.Errorf("clearing history: %w", err)
		}
		fmt.Fprintln(out, "History cleared.")
		return nil
	}

	histFile, err := history.LoadHistory(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	entries := history.Filter(histFile.Entries, func(e state.LogEntry) bool {
		if errorsOnly && !e.Kind.IsError() {
			return false
		}
		return kind == "" || string(e.Kind) == kind
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No history available.")
		return nil
	}
	displayEntries(cmd, entries)
	return nil
}

// displayEntries formats and displays history entries.
func displayEntries(cmd *cobra.Command, entries []state.LogEntry) {
	out := cmd.OutOrStdout()

	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	for _, entry := range entries {
		timestamp := entry.Timestamp.Local().Format("2006-01-02 15:04:05")

		kind := fmt.Sprintf("%-24s", entry.Kind)
		if entry.Kind.IsError() {
			kind = red(kind)
		}

		stage := "-"
		if entry.StageIndex != state.NoStageIndex {
			stage = fmt.Sprintf("%d", entry.StageIndex)
		}

		fmt.Fprintf(out, "%s  %s  stage=%-2s  %s\n", cyan(timestamp), kind, stage, entry.Message)
	}
}
