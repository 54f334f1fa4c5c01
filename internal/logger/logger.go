// Package logger provides the leveled logging used across the shipper.
//
// Two sinks exist: a console logger for ad-hoc command runs (stderr, colored
// when attached to a terminal) and a daily-rolling file logger for daemon
// runs. Both are thread-safe and filter by level. The package also carries
// the consecutive-error tracker and the rolling parse-error counter that
// gate high-volume log sites.
package logger

import "strings"

// Log level constants for filtering
const (
	levelDebug int = 0
	levelInfo  int = 1
	levelWarn  int = 2
	levelError int = 3
)

// Logger is the minimal leveled interface components depend on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// normalizeLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	switch normalized {
	case "debug", "info", "warn", "error":
		return normalized
	}

	return "info"
}

// levelToInt converts a log level string to its numeric value.
func levelToInt(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// Nop is a Logger that discards everything. Useful in tests and as a
// default before configuration is loaded.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
