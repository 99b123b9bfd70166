// Package telemetry provides structured logging and Prometheus
// metrics for the job execution core.
package telemetry

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a structured JSON logger.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// JobLogger returns a logger scoped to one job run.
func JobLogger(logger *slog.Logger, jobID, session string) *slog.Logger {
	return logger.With(
		slog.String("job_id", jobID),
		slog.String("session_id", session),
	)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
