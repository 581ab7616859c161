package version

import (
	"runtime/debug"
	"testing"
)

func TestBuildVersion(t *testing.T) {
	tests := []struct {
		name    string
		stamped string
		info    *debug.BuildInfo
		ok      bool
		want    string
	}{
		{
			name: "release tag",
			info: &debug.BuildInfo{Main: debug.Module{Version: "v0.1.0"}},
			ok:   true,
			want: "v0.1.0",
		},
		{
			name: "build info unavailable",
			ok:   false,
			want: "dev",
		},
		{
			name: "devel without vcs",
			info: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			ok:   true,
			want: "dev",
		},
		{
			name: "devel with vcs revision",
			info: &debug.BuildInfo{
				Main:     debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123456789abcdef0123"}},
			},
			ok:   true,
			want: "dev-0123456789ab",
		},
		{
			name:    "stamped wins",
			stamped: "v9.9.9",
			info:    &debug.BuildInfo{Main: debug.Module{Version: "v0.1.0"}},
			ok:      true,
			want:    "v9.9.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originalRead, originalVersion := readBuildInfo, Version
			defer func() { readBuildInfo, Version = originalRead, originalVersion }()

			Version = tt.stamped
			readBuildInfo = func() (*debug.BuildInfo, bool) { return tt.info, tt.ok }

			if got := BuildVersion(); got != tt.want {
				t.Errorf("BuildVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}
