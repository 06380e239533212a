// Package version exposes build metadata injected at link time.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set via -ldflags "-X github.com/Sumatoshi-tech/offload/pkg/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// InitBinaryVersion fills Version and Commit from the embedded module build
// info when they were not injected by the linker (e.g. `go install`).
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	if Commit != "none" {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			Commit = setting.Value

			return
		}
	}
}

// String renders the version line printed by `offload version`.
func String() string {
	return fmt.Sprintf("offload %s (commit: %s, built: %s)", Version, Commit, Date)
}
