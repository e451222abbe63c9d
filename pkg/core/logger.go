package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/lmittmann/tint"
)

// Logger provides structured logging capabilities
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message followed by key/value pairs
	Error(msg string, args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message followed by key/value pairs
	Warn(msg string, args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message followed by key/value pairs
	Info(msg string, args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message followed by key/value pairs
	Debug(msg string, args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})

	// WithFields returns a logger that adds fields to every entry
	WithFields(fields map[string]interface{}) Logger

	// WithContext returns a logger carrying the correlation id found in ctx, if any
	WithContext(ctx context.Context) Logger
}

// LoggerConfig selects the handler and level of a slog-backed Logger.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" json:"level"`

	// Format is "text" (tint console handler) or "json". Default: text.
	Format string `yaml:"format" json:"format"`

	// NoColor disables ANSI colors for the text handler.
	NoColor bool `yaml:"no_color" json:"no_color"`
}

// slogLogger implements Logger on top of log/slog
type slogLogger struct {
	l *slog.Logger
}

// NewLogger creates a Logger writing to w using cfg.
func NewLogger(w io.Writer, cfg LoggerConfig) Logger {
	if w == nil {
		w = os.Stderr
	}
	level := ParseLevel(cfg.Level)

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = tint.NewHandler(w, &tint.Options{
			Level:   level,
			NoColor: cfg.NoColor,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if err, ok := a.Value.Any().(error); ok {
					aErr := tint.Err(err)
					aErr.Key = a.Key
					return aErr
				}
				return a
			},
		})
	}
	return &slogLogger{l: slog.New(h)}
}

// NewDefaultLogger creates an info-level console logger on stderr
func NewDefaultLogger() Logger {
	return NewLogger(os.Stderr, LoggerConfig{})
}

// NewJSONLogger creates an info-level JSON logger on stdout
func NewJSONLogger() Logger {
	return NewLogger(os.Stdout, LoggerConfig{Format: "json"})
}

// NewSlogLogger wraps an existing slog.Logger.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
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

func (s *slogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *slogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *slogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }

func (s *slogLogger) Errorf(format string, args ...interface{}) {
	s.l.Error(fmt.Sprintf(format, args...))
}

func (s *slogLogger) Warnf(format string, args ...interface{}) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

func (s *slogLogger) Infof(format string, args ...interface{}) {
	s.l.Info(fmt.Sprintf(format, args...))
}

func (s *slogLogger) Debugf(format string, args ...interface{}) {
	s.l.Debug(fmt.Sprintf(format, args...))
}

func (s *slogLogger) WithFields(fields map[string]interface{}) Logger {
	if len(fields) == 0 {
		return s
	}
	return &slogLogger{l: s.l.With(flattenFields(fields)...)}
}

func (s *slogLogger) WithContext(ctx context.Context) Logger {
	if id := CorrelationIDFrom(ctx); id != "" {
		return &slogLogger{l: s.l.With(FieldCorrelationID, id)}
	}
	return s
}

// flattenFields turns a field map into sorted key/value pairs so output is stable
func flattenFields(fields map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		out = append(out, k, fields[k])
	}
	return out
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &slogLogger{l: slog.New(slog.DiscardHandler)}
}
