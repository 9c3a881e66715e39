// Package version carries build metadata stamped in with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Short returns the version with an abbreviated commit, e.g. "1.2.0+3f2a1c9".
func Short() string {
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return Version + "+" + sha
}

// String describes the build for the version command.
func String() string {
	return fmt.Sprintf("showerreco %s (commit %s, built %s, %s)", Version, GitSHA, BuildTime, runtime.Version())
}
