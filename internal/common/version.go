package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
)

const unknown = "unknown"

// Build identity (set via -ldflags "-X github.com/ternarybob/autopilot/internal/common.Version=...")
var (
	Version   = "dev"
	Build     = unknown
	GitCommit = unknown
)

// BuildInfo identifies the running binary; workers log it so a run record
// can be traced to the build that produced it
type BuildInfo struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetBuildInfo returns the build identity. Fields the linker left unset are
// filled from the VCS stamp the go toolchain embeds.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Build:     Build,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromVCS(&info, bi.Settings)
	}
	return info
}

func fillFromVCS(info *BuildInfo, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == unknown && s.Value != "" {
				info.GitCommit = s.Value
			}
		case "vcs.time":
			if info.Build == unknown && s.Value != "" {
				info.Build = s.Value
			}
		}
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (build: %s, commit: %s, %s)", b.Version, b.Build, b.GitCommit, b.GoVersion)
}

// LoadVersionFromFile reads the version from a .version file beside the
// executable, if there is one
func LoadVersionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return Version
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), ".version"))
	if err != nil {
		return Version
	}
	if version := strings.TrimSpace(string(data)); version != "" {
		Version = version
	}
	return Version
}
