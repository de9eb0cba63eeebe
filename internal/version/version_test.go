package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	if got := pseudoVersion(settings); got != "v0.0.0-20260304050607-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudoVersion(settings[:1]); got != "" {
		t.Fatalf("expected empty without vcs.time, got %q", got)
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v9.9.9"
	t.Cleanup(func() { buildVersion = prev })
	if Current() != "v9.9.9" {
		t.Fatalf("override ignored: %q", Current())
	}
	info := Get()
	if info.Version != "v9.9.9" || !strings.HasPrefix(info.GoVersion, "go") || info.Module == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !strings.Contains(info.String(), "v9.9.9") {
		t.Fatalf("String()=%q", info.String())
	}
}
