package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	ansiReset  = "\033[0m"
	ansiGray   = "\033[90m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiBold   = "\033[1m"
)

// PrettyHandler renders records as colorized single lines for local
// development. Not intended for production output.
type PrettyHandler struct {
	opts  *slog.HandlerOptions
	mu    *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
	group string
}

func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{
		opts: opts,
		mu:   &sync.Mutex{},
		out:  out,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		h.addAttr(fields, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.addAttr(fields, a)
		return true
	})

	var body string
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		body = " " + ansiGray + string(b) + ansiReset
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.out, "%s%s%s %s %s%s%s%s\n",
		ansiGray, r.Time.Format("15:04:05.000"), ansiReset,
		levelLabel(r.Level),
		ansiBold, r.Message, ansiReset,
		body,
	)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "."
	}
	clone.group += name
	return &clone
}

func (h *PrettyHandler) addAttr(fields map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	fields[key] = a.Value.Any()
}

func levelLabel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed + "ERROR" + ansiReset
	case l >= slog.LevelWarn:
		return ansiYellow + "WARN " + ansiReset
	case l >= slog.LevelInfo:
		return ansiCyan + "INFO " + ansiReset
	default:
		return ansiGray + "DEBUG" + ansiReset
	}
}
