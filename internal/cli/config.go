package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ariel-frischer/chemflow/internal/config"
	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
	"github.com/ariel-frischer/chemflow/internal/output"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage chemflow configuration",
		Long: `Manage chemflow configuration settings.

Configuration is loaded with the following priority (highest to lowest):
  1. Environment variables (CHEMFLOW_*, e.g. CHEMFLOW_API_KEY)
  2. Project config (.chemflow/config.yml, or legacy .chemflow/config.json)
  3. User config (~/.config/chemflow/config.yml)
  4. Built-in defaults`,
		Example: `  # Show the effective configuration
  chemflow config show

  # Write a commented project config
  chemflow config init`,
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		Args:  exactArgs(0, "chemflow config show"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented project config file",
		Args:  exactArgs(0, "chemflow config init [--force]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.ProjectConfigPath()
			}

			if _, err := os.Stat(path); err == nil && !force {
				return clierrors.NewArgumentError(
					fmt.Sprintf("config file already exists: %s", path),
					"Use --force to overwrite it",
				)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(config.GetDefaultConfigTemplate()), 0o644); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}
			output.PrintStageSuccess(cmd.OutOrStdout(), fmt.Sprintf("wrote %s", path))
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	return cmd
}
