// Package version provides build-time version information for abrplay.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/abrplay/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/abrplay/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/abrplay/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "abrplay"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if commit := shortCommit(); commit != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, commit, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version alone, with the short commit when known.
// Cobra prefixes the application name.
func Short() string {
	if commit := shortCommit(); commit != "" {
		return fmt.Sprintf("%s (%s)", Version, commit)
	}
	return Version
}

// UserAgent returns the User-Agent sent by segment connections.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s/%s)", ApplicationName, Version, runtime.GOOS, runtime.GOARCH)
}

func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}
