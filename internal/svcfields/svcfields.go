// Package svcfields names the subsystems of the transaction manager and the
// log fields they share.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that wrote it.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystems.
const (
	Core       = "tm.core"
	ProcWatch  = "tm.procwatch"
	Supervisor = "tm.supervisor"
	Sender     = "transport.sender"
	Watch      = "config.watch"
	Lifecycle  = "server.lifecycle"
	CLI        = "cli"
)

// Shared field keys.
const (
	GTRIDKey    = "gtrid"
	ResourceKey = "resource"
	PIDKey      = "pid"
)

// Subsystem joins parts with dots, skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem returns logger tagged with the subsystem built from parts.
// A nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	sys := Subsystem(parts...)
	if sys == "" {
		return logger
	}
	return logger.With(SubsystemKey, sys)
}

// WithTransaction tags logger with a global transaction id.
func WithTransaction(logger pslog.Logger, gtrid string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if gtrid == "" {
		return logger
	}
	return logger.With(GTRIDKey, gtrid)
}
