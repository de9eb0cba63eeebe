// Package version reports the staticd build version.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/staticd"

// buildVersion is set with -ldflags "-X pkt.systems/staticd/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string `json:"module" yaml:"module"`
	Version   string `json:"version" yaml:"version"`
	GoVersion string `json:"go" yaml:"go"`
}

// String renders "module version (go)".
func (i Info) String() string {
	return i.Module + " " + i.Version + " (" + i.GoVersion + ")"
}

// Get collects Info from the linker flag or the embedded build info.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	return Info{
		Module:    module(info),
		Version:   current(info),
		GoVersion: runtime.Version(),
	}
}

// Current returns the version string alone.
func Current() string {
	info, _ := debug.ReadBuildInfo()
	return current(info)
}

// Module returns the main module path.
func Module() string {
	info, _ := debug.ReadBuildInfo()
	return module(info)
}

func current(info *debug.BuildInfo) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func module(info *debug.BuildInfo) string {
	if info != nil {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return defaultModule
}

// pseudoVersion derives a Go style pseudo version from VCS stamps.
func pseudoVersion(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	revision, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + ts.UTC().Format("20060102150405") + "-" + revision
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
