// Package config provides hierarchical configuration management for chemflow using koanf.
// Configuration is loaded with priority: environment variables > project config (.chemflow/config.yml)
// > user config (~/.config/chemflow/config.yml) > defaults. A legacy project config.json is still
// read when no YAML file is present.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "CHEMFLOW_"

// Generator backends.
const (
	GeneratorHTTP = "http"
	GeneratorMock = "mock"
)

// Configuration represents the chemflow configuration
type Configuration struct {
	// Generator selects the generation backend: "http" calls Endpoint,
	// "mock" returns deterministic placeholders offline.
	Generator string `koanf:"generator" yaml:"generator" validate:"oneof=http mock"`
	// Endpoint is the generation service URL (required for the http backend).
	Endpoint string `koanf:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	Provider string `koanf:"provider" yaml:"provider"`
	Model    string `koanf:"model" yaml:"model"`
	// APIKey is sent as a bearer token. Prefer CHEMFLOW_API_KEY over files.
	APIKey string `koanf:"api_key" yaml:"api_key"`

	StateDir string `koanf:"state_dir" yaml:"state_dir" validate:"required"`
	// Store selects the auto-save backend: file or sqlite.
	Store string `koanf:"store" yaml:"store" validate:"oneof=file sqlite"`
	// StagesFile optionally replaces the built-in stage table.
	StagesFile string `koanf:"stages_file" yaml:"stages_file"`

	// MaxHistoryEntries bounds history.yaml. 0 keeps everything.
	MaxHistoryEntries int `koanf:"max_history_entries" yaml:"max_history_entries" validate:"min=0"`
	// MaxAuditEntries bounds the in-memory audit log. 0 keeps everything.
	MaxAuditEntries int `koanf:"max_audit_entries" yaml:"max_audit_entries" validate:"min=0"`

	ServerAddr string `koanf:"server_addr" yaml:"server_addr" validate:"required"`
	Debug      bool   `koanf:"debug" yaml:"debug"`
}

// LoadOptions configures how configuration is loaded
type LoadOptions struct {
	// ProjectConfigPath overrides the project config path (default: .chemflow/config.yml)
	ProjectConfigPath string
	// UserConfigPath overrides the user config path (tests)
	UserConfigPath string
	// SkipUserConfig ignores the user config entirely (tests)
	SkipUserConfig bool
	// WarningWriter receives deprecation warnings (default: os.Stderr)
	WarningWriter io.Writer
	// SkipWarnings suppresses deprecation warnings
	SkipWarnings bool
}

// Load loads configuration from user, project, and environment sources.
func Load(projectConfigPath string) (*Configuration, error) {
	return LoadWithOptions(LoadOptions{ProjectConfigPath: projectConfigPath})
}

// LoadWithOptions loads configuration with custom options
func LoadWithOptions(opts LoadOptions) (*Configuration, error) {
	k := koanf.New(".")
	warningWriter := opts.WarningWriter
	if warningWriter == nil {
		warningWriter = os.Stderr
	}

	for key, value := range GetDefaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("setting default %s: %w", key, err)
		}
	}

	if !opts.SkipUserConfig {
		userPath := opts.UserConfigPath
		if userPath == "" {
			userPath, _ = UserConfigPath()
		}
		if fileExists(userPath) {
			if err := loadYAMLConfig(k, userPath, "user"); err != nil {
				return nil, err
			}
		}
	}

	if err := loadProjectConfig(k, opts.ProjectConfigPath, warningWriter, opts.SkipWarnings); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	return finalizeConfig(k)
}

// loadProjectConfig loads project-level config (YAML preferred, legacy JSON supported).
func loadProjectConfig(k *koanf.Koanf, customPath string, warningWriter io.Writer, skipWarnings bool) error {
	yamlPath := ProjectConfigPath()
	if customPath != "" {
		yamlPath = customPath
	}
	legacyPath := LegacyProjectConfigPath()

	switch {
	case fileExists(yamlPath):
		if err := loadYAMLConfig(k, yamlPath, "project"); err != nil {
			return err
		}
		if fileExists(legacyPath) && !skipWarnings {
			fmt.Fprintf(warningWriter, "Warning: Legacy JSON config found at %s (ignored, using %s)\n\n", legacyPath, yamlPath)
		}
	case fileExists(legacyPath):
		if err := k.Load(file.Provider(legacyPath), json.Parser()); err != nil {
			return fmt.Errorf("failed to load legacy project config %s: %w", legacyPath, err)
		}
		if !skipWarnings {
			fmt.Fprintf(warningWriter, "Warning: Using deprecated JSON config at %s\n", legacyPath)
			fmt.Fprintf(warningWriter, "  Move its settings to %s.\n\n", ProjectConfigPath())
		}
	}
	return nil
}

// loadYAMLConfig validates and loads a YAML config file
func loadYAMLConfig(k *koanf.Koanf, path, configType string) error {
	if err := CheckYAMLFile(path); err != nil {
		return fmt.Errorf("validating YAML syntax for %s config: %w", configType, err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load %s config %s: %w", configType, path, err)
	}
	return nil
}

// finalizeConfig unmarshals, validates, and applies final transformations
func finalizeConfig(k *koanf.Koanf) (*Configuration, error) {
	var cfg Configuration
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg, "config"); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg.StateDir = expandHomePath(cfg.StateDir)
	cfg.StagesFile = expandHomePath(cfg.StagesFile)
	return &cfg, nil
}

// ModelConfig returns the settings forwarded to the generation service.
func (c *Configuration) ModelConfig() state.ModelConfig {
	return state.ModelConfig{
		Provider: c.Provider,
		Model:    c.Model,
		Endpoint: c.Endpoint,
		APIKey:   c.APIKey,
	}
}

// Redacted returns a copy safe to print: secrets are masked.
func (c *Configuration) Redacted() Configuration {
	out := *c
	if out.APIKey != "" {
		out.APIKey = "********"
	}
	return out
}

// fileExists returns true if the file exists and is readable
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// envTransform converts environment variable names to config keys
// Example: CHEMFLOW_API_KEY -> api_key
func envTransform(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// expandHomePath expands ~ to the user's home directory
func expandHomePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
