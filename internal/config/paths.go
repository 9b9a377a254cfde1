package config

import (
	"os"
	"path/filepath"
)

// UserConfigPath returns the path to the user-level config file, following
// os.UserConfigDir (XDG_CONFIG_HOME on Linux).
func UserConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "chemflow", "config.yml"), nil
}

// ProjectConfigDir returns the path to the project-level config directory.
func ProjectConfigDir() string {
	return ".chemflow"
}

// ProjectConfigPath returns the project-level config file, relative to the
// current directory.
func ProjectConfigPath() string {
	return filepath.Join(ProjectConfigDir(), "config.yml")
}

// LegacyProjectConfigPath returns the legacy project-level JSON config file.
func LegacyProjectConfigPath() string {
	return filepath.Join(ProjectConfigDir(), "config.json")
}
