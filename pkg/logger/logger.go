package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	// DefaultLogger is the default logger used by the application
	DefaultLogger = &Logger{
		Logger: slog.Default(),
	}
)

// Logger is a thin wrapper around slog.Logger. It is passed explicitly to
// every component instead of relying on the global slog default.
type Logger struct {
	*slog.Logger
	LogLevel slog.Level
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
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

// NewLogger creates a JSON logger writing to stderr.
func NewLogger(logLevel string) *Logger {
	return NewLoggerWithWriter(logLevel, "json", os.Stderr)
}

// NewLoggerWithWriter creates a logger with the given format ("json" or
// "text") writing to w.
func NewLoggerWithWriter(logLevel, format string, w io.Writer) *Logger {
	level := ParseLevel(logLevel)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{
		LogLevel: level,
		Logger:   slog.New(h),
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{
		LogLevel: slog.LevelError,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (l *Logger) With(attrs ...slog.Attr) *Logger {
	return &Logger{
		LogLevel: l.LogLevel,
		Logger:   slog.New(l.Logger.Handler().WithAttrs(attrs)),
	}
}
