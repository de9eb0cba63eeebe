// Package svcfields holds the shared log field names used across staticd.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that emitted it.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem names used by staticd components.
const (
	Server    = "server"
	Worker    = "server.worker"
	Content   = "content"
	Watch     = "content.watch"
	Registry  = "registry"
	Stream    = "stream.pool"
	HTTP      = "http"
	TFTP      = "tftp"
	Telemetry = "telemetry"
)

// Subsystem joins parts with dots, dropping empty parts and stray dots.
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem returns logger tagged with subsystem. A nil logger becomes a
// no-op logger so callers never need to guard.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if subsystem = Subsystem(subsystem); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
