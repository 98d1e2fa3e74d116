package app

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process logger from AGRO_LOG_LEVEL and
// AGRO_LOG_FORMAT (json, text, pretty).
func NewLogger() *slog.Logger {
	level := parseLogLevel(EnvString("AGRO_LOG_LEVEL", "info"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(EnvString("AGRO_LOG_FORMAT", "json")) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "pretty":
		handler = NewPrettyHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(s string) slog.Level {
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
