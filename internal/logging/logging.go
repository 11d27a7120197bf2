// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the default slog logger for service and returns it.
// Handler shape is controlled by TASKFORGE_JSON_LOG ("1" for JSON, the
// default is a human-readable text handler); level by TASKFORGE_LOG_LEVEL.
func Init(service string) *slog.Logger {
	level := levelFromEnv()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("TASKFORGE_JSON_LOG") == "1" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("TASKFORGE_LOG_LEVEL")) {
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
