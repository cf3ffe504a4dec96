// Package version reports the console build, stamped via ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/nexusconsole/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/nexusconsole/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/nexusconsole/pkg/version.date=2026-01-01"
package version

import "runtime"

var (
	tag    = ""        // git tag, empty when not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // ISO 8601 build date
)

// Build describes the running binary. It is served by /healthz.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Go      string `json:"go"`
}

// Info returns the build description.
func Info() Build {
	return Build{Version: String(), Commit: commit, Date: date, Go: runtime.Version()}
}

// String is the tag, else the commit, else "dev".
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	default:
		return "dev"
	}
}

// Full is String plus commit and build date when known.
func Full() string {
	b := Info()
	switch {
	case tag != "":
		return b.Version + " (" + b.Commit + ") built " + b.Date + " " + b.Go
	case commit != "unknown":
		return b.Version + " built " + b.Date + " " + b.Go
	default:
		return "dev " + b.Go
	}
}
