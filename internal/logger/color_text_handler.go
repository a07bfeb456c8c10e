package logger

import (
	"context"
	"io"
	"log/slog"
)

const (
	ansiReset   = "\033[0m"
	ansiMagenta = "\033[35m"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // Cyan
	slog.LevelInfo:  "\033[32m", // Green
	slog.LevelWarn:  "\033[33m", // Yellow
	slog.LevelError: "\033[31m", // Red
}

// ColorTextHandler is a slog.TextHandler for terminals: the level is colored
// and a "component" attribute becomes a "[component]" message prefix.
type ColorTextHandler struct {
	inner     *slog.TextHandler
	component string
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{inner: slog.NewTextHandler(w, opts)}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	prefix := color + r.Level.String() + ansiReset + "  "
	if h.component != "" {
		prefix += ansiMagenta + "[" + h.component + "]" + ansiReset + " "
	}
	r.Message = prefix + r.Message
	return h.inner.Handle(ctx, r)
}

// WithAttrs lifts "component" out of attrs; the rest go to the text handler.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	comp := h.component
	rest := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if a.Key == "component" {
			comp = a.Value.String()
			continue
		}
		rest = append(rest, a)
	}
	return &ColorTextHandler{inner: h.inner.WithAttrs(rest).(*slog.TextHandler), component: comp}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name).(*slog.TextHandler), component: h.component}
}
