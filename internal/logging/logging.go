// Package logging provides structured logging for echod using stdlib slog,
// optionally mirrored to syslog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// LevelNotice sits between info and warn, like the syslog priority it is
// named after.
const LevelNotice = slog.Level(2)

// LogConfig controls logger creation.
type LogConfig struct {
	Level  string    // 1-8 or "debug", "info", "notice", "warn", "error"
	Format string    // "text", "json"; "" picks text on a terminal
	Output io.Writer // defaults to os.Stderr; nil-able via Discard
	Syslog bool      // mirror records to the local syslog daemon
	Tag    string    // syslog tag, usually the program name
}

// New creates a configured *slog.Logger. A syslog connection failure is
// not fatal: the logger keeps its stream handler and reports the problem
// through it.
func New(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = LevelNotice
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler
	switch format(cfg.Format, out) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	if !cfg.Syslog {
		return slog.New(handler)
	}

	sh, serr := NewSyslogHandler(cfg.Tag, level)
	if serr != nil {
		logger := slog.New(handler)
		logger.Warn("syslog unavailable", "error", serr)
		return logger
	}
	return slog.New(multiHandler{handler, sh})
}

// WithFields returns a child logger with additional context fields.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel accepts level names and the syslog-style numbers 1 (emerg)
// through 8 (debug). Everything more severe than warning maps to error.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 8 {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	switch n {
	case 5:
		return slog.LevelWarn, nil
	case 6:
		return LevelNotice, nil
	case 7:
		return slog.LevelInfo, nil
	case 8:
		return slog.LevelDebug, nil
	default:
		return slog.LevelError, nil
	}
}

func format(f string, out io.Writer) string {
	if f != "" {
		return strings.ToLower(f)
	}
	if file, ok := out.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return "text"
	}
	return "json"
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

// multiHandler fans a record out to every handler that accepts it.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
