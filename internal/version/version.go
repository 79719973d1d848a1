// Package version reports the build of the running transaction manager.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/xatm"
	unknown       = "v0.0.0-unknown"
)

// override is set with -ldflags "-X pkt.systems/xatm/internal/version.override=v1.2.3".
var override string

// Current returns the release tag, a pseudo-version derived from VCS
// stamps, or v0.0.0-unknown.
func Current() string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknown
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	if v := pseudo(info.Settings); v != "" {
		return v
	}
	return unknown
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	return defaultModule
}

// UserAgent is sent on outbound requests to resource instances and peers.
func UserAgent() string {
	return "xatm/" + Current()
}

func pseudo(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
