package logging

import (
	"log/slog"
	"os"
	"strings"
)

// service tags every log line so dispatch output can be filtered out
// of a shared pipeline by attribute instead of by message text.
const service = "order-dispatch"

// NewLogger builds the process-wide JSON slog logger. Both binaries
// (the API server and the ingest consumer) use it so their lines carry
// the same shape.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})
	return slog.New(h).With("service", service)
}

// ParseLevel maps a config string onto a slog level; anything
// unrecognized falls back to info.
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
