// Package version carries the build identity of the taintmap binaries.
package version

import (
	"runtime/debug"
)

const unknown = "<unknown>"

// Set at link time with -ldflags "-X github.com/Sumatoshi-tech/taintmap/pkg/version.Version=...".
var (
	Version = "dev"
	Commit  = unknown
	Date    = unknown
)

// InitBinaryVersion fills the fields that were not set at link time from the
// build info embedded by the Go toolchain.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) {
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == unknown {
				Commit = s.Value
			}
		case "vcs.time":
			if Date == unknown {
				Date = s.Value
			}
		}
	}
}

// String renders the identity for the version command and logs.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
