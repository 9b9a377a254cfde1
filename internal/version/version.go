// Package version holds the chemflow build information.
// It has no dependencies and can be imported from any package.
package version

import "fmt"

var (
	// Version information - set via ldflags during build
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// IsDevBuild returns true if running a development build (not a release).
func IsDevBuild() bool {
	return Version == "dev"
}

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("chemflow %s (commit %s, built %s)", Version, Commit, BuildDate)
}
