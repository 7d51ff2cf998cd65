package logger

import (
	"context"
	"log/slog"
)

// teeHandler fans records out to the terminal and the rotated file.
type teeHandler struct {
	terminal slog.Handler
	file     slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.terminal.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.terminal.Enabled(ctx, record.Level) {
		if err := h.terminal.Handle(ctx, record); err != nil {
			return err
		}
	}
	if h.file.Enabled(ctx, record.Level) {
		return h.file.Handle(ctx, record)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{
		terminal: h.terminal.WithAttrs(attrs),
		file:     h.file.WithAttrs(attrs),
	}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{
		terminal: h.terminal.WithGroup(name),
		file:     h.file.WithGroup(name),
	}
}
