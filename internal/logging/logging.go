// Package logging provides structured logging for nixffi using stdlib slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Level  string    // "debug", "info", "warn", "error"
	Format string    // "json" (default), "text", "auto"
	Output io.Writer // defaults to os.Stderr
}

// New creates a configured *slog.Logger. The "auto" format selects text
// when Output is a terminal and JSON otherwise.
func New(cfg LogConfig) *slog.Logger {
	return NewWithLevel(cfg, NewLevelVar(cfg.Level))
}

// NewWithLevel is New with a caller-owned level, so the level can be
// changed at runtime.
func NewWithLevel(cfg LogConfig, level *slog.LevelVar) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if useText(cfg.Format, out) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithFields returns a child logger with additional context fields.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

// ValidateLevel reports whether s names a supported level.
func ValidateLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", s)
}

// NewLevelVar returns a LevelVar set to the parsed level.
func NewLevelVar(s string) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(s))
	return lv
}

func useText(format string, out io.Writer) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return true
	case "auto":
		f, ok := out.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	default:
		return false
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
