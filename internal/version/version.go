// Package version holds build-time version metadata, set with -ldflags
// "-X github.com/kahiteam/cowfork/internal/version.Version=...".
package version

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// GoVersion overrides runtime.Version() in reports when set.
	GoVersion = ""
)
