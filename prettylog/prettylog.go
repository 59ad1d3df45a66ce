// Package prettylog renders slog records as compact colored lines for local
// development. Production deployments keep the default JSON/text handlers.
package prettylog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

const timeFormat = "15:04:05.000"

const (
	reset    = "\033[0m"
	cyan     = 36
	yellow   = 33
	darkGray = 90
	lightRed = 91
	white    = 97
)

func colorize(colorCode int, v string) string {
	return "\033[" + strconv.Itoa(colorCode) + "m" + v + reset
}

type handler struct {
	level slog.Level
	mux   sync.Mutex
	out   io.Writer
	attrs []slog.Attr
}

func NewHandler(level slog.Level) slog.Handler {
	return &handler{level: level, out: os.Stderr}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{level: h.level, out: h.out, attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)}
}

func (h *handler) WithGroup(string) slog.Handler {
	return h
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch r.Level {
	case slog.LevelDebug:
		level = colorize(darkGray, level)
	case slog.LevelInfo:
		level = colorize(cyan, level)
	case slog.LevelWarn:
		level = colorize(yellow, level)
	case slog.LevelError:
		level = colorize(lightRed, level)
	}

	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = attrValue(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = attrValue(a)
		return true
	})

	encoded, err := json.Marshal(attrs)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", attrs))
	}

	h.mux.Lock()
	defer h.mux.Unlock()
	_, err = fmt.Fprintf(h.out, "%s %s %s %s\n",
		colorize(darkGray, r.Time.Format(timeFormat)),
		level,
		colorize(white, r.Message),
		colorize(darkGray, string(encoded)),
	)
	return err
}

func attrValue(a slog.Attr) any {
	v := a.Value.Resolve().Any()
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if _, jsonErr := json.Marshal(v); jsonErr != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
