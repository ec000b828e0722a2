// Package observability provides logging and metrics for Accord.
//
// Logging is log/slog; metrics use the OpenTelemetry metric API against
// whatever meter the embedding application installs (the default is the
// global meter, which is a no-op unless an SDK is configured).
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a text slog.Logger at the given level ("DEBUG", "INFO",
// "WARN", "ERROR"; unknown values mean INFO).
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
