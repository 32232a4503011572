package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"strings"
	"sync"
)

// priorityWriter is the subset of *syslog.Writer the handler needs.
type priorityWriter interface {
	Err(m string) error
	Warning(m string) error
	Notice(m string) error
	Info(m string) error
	Debug(m string) error
}

// SyslogHandler is a slog.Handler that formats records as logfmt and
// writes them to syslog at the priority matching the record level.
type SyslogHandler struct {
	w     priorityWriter
	inner slog.Handler
	mu    *sync.Mutex
	buf   *bytes.Buffer
}

// NewSyslogHandler connects to the local syslog daemon with facility
// daemon.
func NewSyslogHandler(tag string, level slog.Leveler) (*SyslogHandler, error) {
	w, err := syslog.New(syslog.LOG_NOTICE|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to syslog: %w", err)
	}
	return newSyslogHandler(w, level), nil
}

func newSyslogHandler(w priorityWriter, level slog.Leveler) *SyslogHandler {
	buf := new(bytes.Buffer)
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// syslog stamps time and priority itself.
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
				return slog.Attr{}
			}
			return a
		},
	})
	return &SyslogHandler{w: w, inner: inner, mu: new(sync.Mutex), buf: buf}
}

func (h *SyslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SyslogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := strings.TrimSpace(h.buf.String())

	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(line)
	case r.Level >= LevelNotice:
		return h.w.Notice(line)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}

func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogHandler{w: h.w, inner: h.inner.WithAttrs(attrs), mu: h.mu, buf: h.buf}
}

func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	return &SyslogHandler{w: h.w, inner: h.inner.WithGroup(name), mu: h.mu, buf: h.buf}
}
