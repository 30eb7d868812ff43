// Package logging provides the structured logger shared by the gateway and
// worker daemons. All output is JSON on stdout so it can be shipped as-is.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Config holds configuration for the structured logger.
type Config struct {
	Level       string `json:"level"`  // debug, info, warn, error
	Format      string `json:"format"` // "json" or "text"
	ServiceName string `json:"service_name"`
	AddSource   bool   `json:"add_source"`
}

// Logger wraps slog with service and component context attached to every
// record.
type Logger struct {
	*slog.Logger
	serviceName string
}

// NewLogger creates a structured logger writing to stdout.
func NewLogger(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	if config.ServiceName != "" {
		logger = logger.With(slog.String("service", config.ServiceName))
	}

	return &Logger{Logger: logger, serviceName: config.ServiceName}
}

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), serviceName: l.serviceName}
}

// WithComponent returns a child logger carrying a component attribute.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:      l.Logger.With(slog.String("component", component)),
		serviceName: l.serviceName,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
