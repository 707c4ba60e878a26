// Package version holds build metadata, set with -ldflags "-X".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and startup logs.
func String() string {
	return fmt.Sprintf("vehicle-state %s (%s, built %s)", Version, GitSHA, BuildTime)
}
