package observability

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the service-wide structured logger: JSON to stdout with a
// "service" attribute on every record. Level comes from LOG_LEVEL (debug,
// info, warn, error), defaulting to info.
func NewLogger(serviceName string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(),
	})
	return slog.New(handler).With("service", serviceName)
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
