package cli

import (
	"fmt"
	"io"

	"github.com/ariel-frischer/chemflow/internal/config"
	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
	"github.com/ariel-frischer/chemflow/internal/generation"
	"github.com/ariel-frischer/chemflow/internal/history"
	"github.com/ariel-frischer/chemflow/internal/persist"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/spf13/cobra"
)

// session is the workflow loaded for one command: configuration, restored
// state with auto-save and history attached, and a stage executor.
type session struct {
	cfg      *config.Configuration
	workflow *state.Workflow
	executor *workflow.StageExecutor
	store    persist.Store
	saver    *persist.AutoSaver
	lock     *persist.RunLock
	out      io.Writer
	errOut   io.Writer
}

// loadConfig loads configuration honoring the --config and --debug flags.
func loadConfig(cmd *cobra.Command) (*config.Configuration, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ProjectConfigPath: configPath,
		WarningWriter:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, clierrors.NewConfigError(
			fmt.Sprintf("loading config: %v", err),
			"Check the file named in the message",
			"Print the effective configuration with: chemflow config show",
		)
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// loadRegistry returns the stage table from stages_file or the built-in one.
func loadRegistry(cfg *config.Configuration) (*stages.Registry, error) {
	if cfg.StagesFile == "" {
		return stages.Default(), nil
	}
	reg, err := stages.LoadFile(cfg.StagesFile)
	if err != nil {
		return nil, clierrors.NewConfigError(
			fmt.Sprintf("loading stage table %s: %v", cfg.StagesFile, err),
			"Fix the stage table or remove stages_file to use the built-in stages",
		)
	}
	return reg, nil
}

// newGenerator builds the generation backend named by the config.
func newGenerator(cfg *config.Configuration) generation.Generator {
	if cfg.Generator == config.GeneratorMock {
		return generation.NewMockGenerator()
	}
	return generation.NewHTTPGenerator(cfg.Endpoint, cfg.Debug)
}

// openSession loads config and state for cmd. Callers must Close it.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	store, err := persist.OpenStore(cfg.Store, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	errOut := cmd.ErrOrStderr()
	w := state.New(reg, state.WithMaxAuditEntries(cfg.MaxAuditEntries))
	saver := persist.NewAutoSaver(store, persist.AutoSaverOptions{
		Debug: cfg.Debug,
		Out:   errOut,
		Warn:  errOut,
	})
	saver.Restore(w)
	// Settings come from config, not from the saved state.
	w.SetModelConfig(cfg.ModelConfig())
	saver.Attach(w)

	hist := history.NewWriter(cfg.StateDir, cfg.MaxHistoryEntries)
	hist.Warn = errOut
	hist.Attach(w)

	exec := workflow.NewStageExecutor(w, newGenerator(cfg), workflow.StageExecutorOptions{
		Debug: cfg.Debug,
		Out:   errOut,
	})

	return &session{
		cfg:      cfg,
		workflow: w,
		executor: exec,
		store:    store,
		saver:    saver,
		lock:     persist.NewRunLock(cfg.StateDir),
		out:      cmd.OutOrStdout(),
		errOut:   errOut,
	}, nil
}

// Close releases the state store.
func (s *session) Close() error {
	return s.store.Close()
}

// guardForeignRun rejects a mutation while a turbo run started by another
// process holds the state directory. The rejection is audited.
func (s *session) guardForeignRun(action string) error {
	held, err := s.lock.ForeignHolder()
	if err != nil {
		return fmt.Errorf("checking run lock: %w", err)
	}
	if held == nil {
		return nil
	}
	runErr := &workflow.ConcurrentRunError{
		ActiveRunID: held.RunID,
		Reason: fmt.Sprintf("%s is not allowed while run %s (PID %d) is active",
			action, held.RunID, held.PID),
	}
	s.workflow.AppendLog(state.LogEntry{
		Kind:       state.LogConcurrentRunRejected,
		StageIndex: state.NoStageIndex,
		Message:    runErr.Error(),
	})
	return runErr
}

// resolveStage looks up a stage by index or id.
func (s *session) resolveStage(ref string) (stages.Stage, error) {
	stage, err := s.workflow.Registry().Resolve(ref)
	if err != nil {
		cliErr := clierrors.UnknownStage(ref)
		cliErr.Err = err
		return stages.Stage{}, cliErr
	}
	return stage, nil
}

// exactArgs is cobra.ExactArgs returning a categorized argument error.
func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return clierrors.NewArgumentErrorWithUsage(
				fmt.Sprintf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args)),
				usage,
			)
		}
		return nil
	}
}
