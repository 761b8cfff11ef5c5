package version

import "fmt"

// These variables are injected at build time via -ldflags.
var (
	Version   = "0.1.0-dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns a human-readable version string.
func String() string {
	return fmt.Sprintf("switchyard %s (%s, %s)", Version, Commit, BuildDate)
}
