// Package logger provides leveled logging with support for debug, info, warn, and error levels.
// It wraps zerolog to provide level-based filtering with JSON or console output,
// while keeping a printf-style API for call sites.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a logging level
type Level int

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel Level = iota
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual human review.
	WarnLevel
	// ErrorLevel logs are high-priority. If an application is running smoothly, it shouldn't generate any error-level logs.
	ErrorLevel
)

type ctxKey struct{}

var (
	mu  sync.RWMutex
	log = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// ParseLevel converts a level name to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) toZerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the default logger with the specified level and format.
// Format "text" selects human-readable console output; anything else is JSON.
func Init(level string, format string) {
	InitWithWriter(level, format, os.Stderr)
}

// InitWithWriter is Init with an explicit output, used by tests.
func InitWithWriter(level string, format string, w io.Writer) {
	out := w
	if strings.ToLower(format) == "text" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000", NoColor: true}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	l := zerolog.New(out).With().Timestamp().Logger().Level(ParseLevel(level).toZerolog())

	mu.Lock()
	log = l
	mu.Unlock()
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// WithRequestID stores a request ID that Ctx attaches to every entry.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestID extracts the request ID stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ctx returns a logger carrying the request ID from ctx, if any.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := current()
	if id := RequestID(ctx); id != "" {
		withID := l.With().Str("request_id", id).Logger()
		return &withID
	}
	return l
}

// Debug logs a message at DebugLevel
func Debug(format string, args ...interface{}) {
	current().Debug().Msg(fmt.Sprintf(format, args...))
}

// Info logs a message at InfoLevel
func Info(format string, args ...interface{}) {
	current().Info().Msg(fmt.Sprintf(format, args...))
}

// Warn logs a message at WarnLevel
func Warn(format string, args ...interface{}) {
	current().Warn().Msg(fmt.Sprintf(format, args...))
}

// Error logs a message at ErrorLevel
func Error(format string, args ...interface{}) {
	current().Error().Msg(fmt.Sprintf(format, args...))
}

// Fatal logs a message at ErrorLevel and exits
func Fatal(format string, args ...interface{}) {
	current().WithLevel(zerolog.FatalLevel).Msg(fmt.Sprintf(format, args...))
	os.Exit(1)
}
