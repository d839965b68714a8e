// Package logger defines the logging interface used across the driver.
//
// The interface is intentionally minimal so that any structured logger can be
// plugged in. Adapters for log/slog and zerolog live in the subpackages.
package logger

type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}
