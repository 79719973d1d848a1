package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudo(t *testing.T) {
	got := pseudo([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	if want := "v0.0.0-20260301102030-0123456789ab+dirty"; got != want {
		t.Fatalf("pseudo=%q want %q", got, want)
	}
	if got := pseudo([]debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}); got != "" {
		t.Fatalf("expected empty pseudo-version without vcs.time, got %q", got)
	}
}

func TestOverrideWins(t *testing.T) {
	prev := override
	override = " v1.4.0 "
	defer func() { override = prev }()
	if got := Current(); got != "v1.4.0" {
		t.Fatalf("Current=%q", got)
	}
	if got := UserAgent(); !strings.HasPrefix(got, "xatm/v1.4.0") {
		t.Fatalf("UserAgent=%q", got)
	}
}
