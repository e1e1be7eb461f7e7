// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured logging for the access control engine,
// built on log/slog so every component emits consistent key/value records
// regardless of which backend (stdout, syslog) is attached.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Level mirrors slog's levels with names matching the rest of the config
// surface (HCL enums are lowercase strings).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a config string ("debug", "info", "warn", "error")
// into a Level, defaulting to LevelInfo for unknown values.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls how a Logger is constructed.
type Config struct {
	Output io.Writer
	Level  Level
	// JSON selects structured JSON output instead of slog's text handler.
	// cmd/aced sets it once from LoggingConfig.JSON, so every component's
	// logger uses the same format.
	JSON bool
}

// DefaultConfig returns the logger configuration used when no config file
// overrides it: text output to stderr at info level.
func DefaultConfig() Config {
	return Config{
		Output: os.Stderr,
		Level:  LevelInfo,
	}
}

// Logger wraps slog.Logger with the WithComponent/WithError helpers used
// throughout the codebase.
type Logger struct {
	s *slog.Logger
}

var defaultLogger = New(DefaultConfig())

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &Logger{s: slog.New(handler)}
}

// Default returns the process-wide default logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the process-wide default logger. Called once at
// startup after config is loaded.
func SetDefault(l *Logger) { defaultLogger = l }

// WithComponent returns a child logger tagging every record with
// component=name, e.g. logging.Default().WithComponent("session").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{s: l.s.With("component", name)}
}

// WithError returns a child logger with an err field attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{s: l.s.With("err", err.Error())}
}

// With returns a child logger with the given key/value pairs attached.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{s: l.s.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.s.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.s.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.s.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.s.Error(msg, kv...) }

// DebugContext/InfoContext etc. thread a context through for handlers that
// care about trace attributes.
func (l *Logger) DebugContext(ctx context.Context, msg string, kv ...any) {
	l.s.DebugContext(ctx, msg, kv...)
}
func (l *Logger) InfoContext(ctx context.Context, msg string, kv ...any) {
	l.s.InfoContext(ctx, msg, kv...)
}
func (l *Logger) WarnContext(ctx context.Context, msg string, kv ...any) {
	l.s.WarnContext(ctx, msg, kv...)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, kv ...any) {
	l.s.ErrorContext(ctx, msg, kv...)
}

// Slog exposes the underlying *slog.Logger for callers (e.g. database/sql
// drivers) that want to consume slog directly.
func (l *Logger) Slog() *slog.Logger { return l.s }

// Package-level forwarding functions delegate to the default logger, for
// call sites that have no *Logger of their own.

func WithComponent(name string) *Logger { return defaultLogger.WithComponent(name) }
func WithError(err error) *Logger       { return defaultLogger.WithError(err) }
func Debug(msg string, kv ...any)       { defaultLogger.Debug(msg, kv...) }
func Info(msg string, kv ...any)        { defaultLogger.Info(msg, kv...) }
func Warn(msg string, kv ...any)        { defaultLogger.Warn(msg, kv...) }
func Error(msg string, kv ...any)       { defaultLogger.Error(msg, kv...) }
