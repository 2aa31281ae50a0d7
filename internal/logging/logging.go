// Package logging provides structured logging for fuckshadows. Relay
// components share one *slog.Logger, scoped per component via Component;
// level and format come straight from the logging section of the config.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// levels maps config strings onto slog levels. An unknown string falls
// back to info so a config typo degrades to chattier output instead of
// silencing the proxy.
var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger creates a structured logger on stderr. Levels are debug, info,
// warn and error; formats are text and json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger with a custom writer.
// Any format other than "json" means text.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, ok := levels[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns logger scoped to a named component. A nil logger
// scopes the nop logger, so call sites need no guard.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(slog.String(KeyComponent, name))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent  = "component"
	KeyMethod     = "method"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyTarget     = "target"
	KeyError      = "error"
	KeyDuration   = "duration"
	KeyBytes      = "bytes"
	KeyCount      = "count"
)
