// Package version reports the policygate build version.
package version

import (
	"runtime/debug"
)

// Version can be stamped at link time: -ldflags "-X .../internal/version.Version=v1.2.3"
var Version = ""

// Swappable for testing
var readBuildInfo = debug.ReadBuildInfo

// BuildVersion returns the stamped version, the module version, a short
// VCS revision, or "dev" in that order of preference.
func BuildVersion() string {
	if Version != "" {
		return Version
	}
	info, ok := readBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return "dev-" + s.Value[:12]
		}
	}
	return "dev"
}
