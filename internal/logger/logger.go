// Package logger provides the run log: structured slog records written to a
// rotating file and optionally teed to stderr.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures NewLogger.
type Options struct {
	// Level is debug, info, warn or error. Anything else means info.
	Level string

	// Path is the log file. Empty disables the file.
	Path string

	// Stderr tees every record to stderr.
	Stderr bool

	// Output replaces both file and stderr when set.
	Output io.Writer
}

// Logger provides structured logging functionality.
type Logger struct {
	internal *slog.Logger
	level    *slog.LevelVar
	closer   io.Closer
}

// NewLogger creates a logger writing to the configured destinations.
func NewLogger(opt Options) *Logger {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(opt.Level))

	var (
		writers []io.Writer
		closer  io.Closer
	)
	switch {
	case opt.Output != nil:
		writers = append(writers, opt.Output)
	default:
		if opt.Path != "" {
			f := &lumberjack.Logger{
				Filename:   opt.Path,
				MaxSize:    10, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
			}
			writers = append(writers, f)
			closer = f
		}
		if opt.Stderr || opt.Path == "" {
			writers = append(writers, os.Stderr)
		}
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: lvl})
	return &Logger{
		internal: slog.New(handler),
		level:    lvl,
		closer:   closer,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewLogger(Options{Output: io.Discard})
}

// ParseLevel maps a level name, in any case, to a slog level. Unknown names
// map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Info logs an info level message.
func (l *Logger) Info(msg string, args ...any) {
	l.internal.Info(msg, args...)
}

// Error logs an error level message.
func (l *Logger) Error(msg string, args ...any) {
	l.internal.Error(msg, args...)
}

// Debug logs a debug level message.
func (l *Logger) Debug(msg string, args ...any) {
	l.internal.Debug(msg, args...)
}

// Warn logs a warning level message.
func (l *Logger) Warn(msg string, args ...any) {
	l.internal.Warn(msg, args...)
}

// With creates a child logger with the given attributes. The child shares
// the parent's file; only the root should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		internal: l.internal.With(args...),
		level:    l.level,
	}
}

// Log logs a message with the given level and attributes.
func (l *Logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.internal.Log(ctx, level, msg, args...)
}

// Event logs msg at the named level (INFO, ERROR, DEBUG, WARN; unknown names
// log at INFO). A non-empty detail is attached as its own attribute.
func (l *Logger) Event(levelName, msg, detail string) {
	var args []any
	if detail != "" {
		args = append(args, "detail", detail)
	}
	l.internal.Log(context.Background(), ParseLevel(levelName), msg, args...)
}

// Printf adapts the logger to printf-style call sites; lines log at info.
func (l *Logger) Printf(format string, args ...any) {
	l.internal.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
