// Package version exposes build-time version metadata, set via ldflags.
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the service's current released version.
// Override at build time:
//
//	go build -ldflags "-X github.com/hrygo/nikabridge/internal/version.Version=v0.3.0"
var Version = "0.0.0-dev"

// DevVersion is used in dev/demo mode.
var DevVersion = Version

// GitCommit is the git commit hash at build time.
var GitCommit = "unknown"

// GitBranch is the git branch at build time.
var GitBranch = "unknown"

// BuildTime is the build timestamp in RFC3339 format.
var BuildTime = "unknown"

// GetCurrentVersion returns DevVersion in dev or demo mode and Version in
// any other mode.
func GetCurrentVersion(mode string) string {
	if mode == "dev" || mode == "demo" {
		return DevVersion
	}
	return Version
}

// String renders the version with a short commit suffix when known.
func String() string {
	v := Version
	if GitCommit != "" && GitCommit != "unknown" {
		shortCommit := GitCommit
		if len(shortCommit) > 8 {
			shortCommit = shortCommit[:8]
		}
		v = fmt.Sprintf("%s-%s", v, shortCommit)
	}
	return v
}

// IsVersionGreaterOrEqualThan returns true if version >= target.
func IsVersionGreaterOrEqualThan(version, target string) bool {
	return semver.Compare(fmt.Sprintf("v%s", version), fmt.Sprintf("v%s", target)) > -1
}

// StringFull renders full build metadata.
func StringFull() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Version=%s", Version))
	if GitCommit != "" && GitCommit != "unknown" {
		shortCommit := GitCommit
		if len(shortCommit) > 8 {
			shortCommit = shortCommit[:8]
		}
		parts = append(parts, fmt.Sprintf("Commit=%s", shortCommit))
	}
	if GitBranch != "" && GitBranch != "unknown" {
		parts = append(parts, fmt.Sprintf("Branch=%s", GitBranch))
	}
	if BuildTime != "" && BuildTime != "unknown" {
		parts = append(parts, fmt.Sprintf("BuildTime=%s", BuildTime))
	}
	return strings.Join(parts, " ")
}
