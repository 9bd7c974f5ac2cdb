package logging

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name to a slog.Level. Unrecognized values
// (including empty) fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Setup creates a configured *slog.Logger writing to stderr, sets it as the
// process default, and returns it.
func Setup(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
