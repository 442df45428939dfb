// Package version carries build identification, set via ldflags.
package version

var (
	// Version is the application version.
	Version = "dev"
	// GitSHA is the git commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns the build identification as report fields.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_sha":    GitSHA,
		"build_time": BuildTime,
	}
}
