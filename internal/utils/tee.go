package utils

import (
	"context"
	"errors"
	"log/slog"
)

// TeeHandler duplicates log records to the console and, when a logfile is
// configured, to the file sink. It exists because the daemon logs to both
// at different levels of decoration: tint on a TTY, plain text on disk.
type TeeHandler struct {
	console slog.Handler
	file    slog.Handler // nil when no logfile is configured
}

func NewTeeHandler(console, file slog.Handler) *TeeHandler {
	return &TeeHandler{console: console, file: file}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.console.Enabled(ctx, level) {
		return true
	}
	return h.file != nil && h.file.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var consoleErr, fileErr error
	if h.console.Enabled(ctx, r.Level) {
		consoleErr = h.console.Handle(ctx, r)
	}
	if h.file != nil && h.file.Enabled(ctx, r.Level) {
		fileErr = h.file.Handle(ctx, r.Clone())
	}
	return errors.Join(consoleErr, fileErr)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &TeeHandler{console: h.console.WithAttrs(attrs)}
	if h.file != nil {
		next.file = h.file.WithAttrs(attrs)
	}
	return next
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	next := &TeeHandler{console: h.console.WithGroup(name)}
	if h.file != nil {
		next.file = h.file.WithGroup(name)
	}
	return next
}
