// Package logging provides the structured JSON logger shared by all three
// process kinds.
package logging

import (
	"log/slog"
	"os"
)

// New creates a structured logger tagging every line with the service name
// and, when non-empty, an instance identifier (e.g. a robot or screen id).
func New(serviceName, instanceID string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level(os.Getenv("LOG_LEVEL"))}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(slog.String("service", serviceName))
	if instanceID != "" {
		logger = logger.With(slog.String("instance", instanceID))
	}
	return logger
}

func level(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
