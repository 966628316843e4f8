package logging

import (
	"log/slog"
	"os"
)

// Logger is the application-wide structured logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
func Init(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// WithNamespace returns a logger with a namespace field.
func WithNamespace(name string) *slog.Logger {
	return slog.Default().With("namespace", name)
}

// WithConnection returns a logger with a conn_id field.
func WithConnection(connID string) *slog.Logger {
	return slog.Default().With("conn_id", connID)
}

// WithRoom returns a logger with namespace and room fields.
func WithRoom(namespace, room string) *slog.Logger {
	return slog.Default().With("namespace", namespace, "room", room)
}
