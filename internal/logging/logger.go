// Package logging defines a minimal structured-logging interface for vault
// diagnostics. Audit events are a separate concern handled by the audit
// package; this logger must never receive secrets or key material.
package logging

// Logger is a structured logger. The variadic args are interpreted as
// key-value pairs, e.g.:
//
//	log.Info("sweep finished", "expired_sessions", n)
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that always includes the given
	// key-value pairs.
	With(args ...any) Logger
}
