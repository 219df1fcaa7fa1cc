// Package observability bootstraps process-wide logging and OpenTelemetry providers.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures a global slog logger. JSON if FLUX_LOG_FORMAT=json, else text.
func InitLogging(component string) *slog.Logger {
	format := strings.ToLower(os.Getenv("FLUX_LOG_FORMAT"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "format", format)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("FLUX_LOG_LEVEL")) {
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
