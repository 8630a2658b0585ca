package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Scope returns a slog.Attr that tags log lines with the subsystem that
// produced them, e.g. log.With(logger.Scope("jobqueue")).
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns a slog.Attr wrapping err under the conventional "error" key.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// NewLogger builds the process-wide structured logger. Level is controlled
// by LOG_LEVEL (debug|info|warn|warning|error, case-insensitive, default
// info). Output format is JSON when GO_ENV=production, and a human-readable
// text handler otherwise.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
