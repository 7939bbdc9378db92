package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler is a slog.TextHandler whose lines start with the level in
// ANSI color instead of a level= attribute.
type ColorTextHandler struct {
	*slog.TextHandler
	out *prefixWriter
}

// prefixWriter writes the pending prefix ahead of the next Write. slog text
// handlers emit a record with a single Write, so one prefix covers one line.
type prefixWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	if p.prefix != "" {
		_, err := io.WriteString(p.w, p.prefix)
		p.prefix = ""
		if err != nil {
			return 0, err
		}
	}
	return p.w.Write(b)
}

// NewColorTextHandler creates a new ColorTextHandler. The time attribute is
// kept only when showTime is set.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	user := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if user != nil {
			return user(groups, a)
		}
		return a
	}
	out := &prefixWriter{w: w}
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(out, &o), out: out}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = fmt.Sprintf("%s%-5s\033[0m ", levelColor(r.Level), r.Level.String())
	return h.TextHandler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), out: h.out}
}
