// Package version carries the build identity stamped in at link time.
package version

// Stamped via -ldflags "-X github.com/bdobrica/Kaede/common/version.Version=..."
// and friends; the zero values identify a local development build.
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info renders the full build identity on one line.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
