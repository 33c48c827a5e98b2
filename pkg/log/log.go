// Package log provides structured logging for the Scriptfleet agent.
// It wraps zerolog to provide consistent JSON or console output, level
// parsing, and a hook that mirrors log lines into a local feed.
package log

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates a logger with the specified level and format writing to w.
// Level should be one of: debug, info, warn, error.
// Format should be one of: json, console.
func New(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	// Set global settings
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = false

	var output io.Writer = w
	if strings.ToLower(format) == "console" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewNop creates a logger that discards all output.
// Useful for testing.
func NewNop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel converts a string level to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// FeedFunc receives one log line mirrored by a FeedHook.
type FeedFunc func(level zerolog.Level, msg string)

// FeedHook is a zerolog hook that forwards every message at or above Min
// to Fn. Fn must not block.
type FeedHook struct {
	Min zerolog.Level
	Fn  FeedFunc
}

// NewFeedHook creates a hook forwarding messages at min level and above.
func NewFeedHook(min zerolog.Level, fn FeedFunc) FeedHook {
	return FeedHook{Min: min, Fn: fn}
}

// Run implements zerolog.Hook.
func (h FeedHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if h.Fn == nil || level < h.Min || level == zerolog.NoLevel || msg == "" {
		return
	}
	h.Fn(level, msg)
}

// Context keys for extracting values

type contextKey string

const (
	requestIDKey contextKey = "request_id"
)

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
