// Package logging builds the daemon's structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config string to a slog level. Unknown strings fall
// back to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at the given level; development uses
// human-readable text and never filters below Debug.
func NewLogger(env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	opts.Level = slog.LevelDebug

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
