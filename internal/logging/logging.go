// Package logging builds the process logger. Diagnostics go to stderr so they
// never interleave with the menu on stdout.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel names the variable read by Level when --verbose is not given.
const EnvLevel = "GO365CAL_LOG_LEVEL"

// New returns a text logger writing to w at level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Level picks debug when verbose is set, otherwise the level named by
// GO365CAL_LOG_LEVEL, defaulting to info.
func Level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return ParseLevel(os.Getenv(EnvLevel))
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
