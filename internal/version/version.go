// Package version holds build-time version information,
// injected via -ldflags at release time.
package version

var (
	// Version is the semantic version of the build.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "unknown"
)
