package twofactor

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
)

// NewLogger writes JSON records to w and, when lp is not nil, also hands them to the
// OpenTelemetry log pipeline.
func NewLogger(w io.Writer, level slog.Level, lp log.LoggerProvider) *slog.Logger {
	handlers := []slog.Handler{
		slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}),
	}
	if lp != nil {
		handlers = append(handlers, otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(lp)))
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(&fanoutHandler{handlers: handlers})
}

// fanoutHandler passes each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h.WithAttrs(attrs))
	}
	return &fanoutHandler{handlers: hs}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h.WithGroup(name))
	}
	return &fanoutHandler{handlers: hs}
}
