package version

// Version information
var (
	// Version is the current version of trainlog
	Version = "0.3.0-dev"
	// BuildDate is the date when the binary was built
	BuildDate = "undefined"
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "undefined"
)

// VersionInfo returns formatted version information
func VersionInfo() string {
	return "trainlog version " + Version + " (build: " + BuildDate + ", commit: " + CommitHash + ")"
}

// Fields returns the version information as a map, used by the status
// server and the CLI's JSON output.
func Fields() map[string]string {
	return map[string]string{
		"version":     Version,
		"build_date":  BuildDate,
		"commit_hash": CommitHash,
	}
}
