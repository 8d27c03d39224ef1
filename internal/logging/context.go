package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	stepIDKey
	incidentKey
)

// WithSessionID returns a context with the editing session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithIncident returns a context with the incident number set.
func WithIncident(ctx context.Context, number string) context.Context {
	return context.WithValue(ctx, incidentKey, number)
}

// SessionID extracts the session ID from the context, or "" if absent.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// Incident extracts the incident number from the context, or "" if absent.
func Incident(ctx context.Context) string {
	v, _ := ctx.Value(incidentKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if sid := SessionID(ctx); sid != "" {
		logger = logger.With(slog.String("session_id", sid))
	}
	if sid := StepID(ctx); sid != "" {
		logger = logger.With(slog.String("step_id", sid))
	}
	if n := Incident(ctx); n != "" {
		logger = logger.With(slog.String("incident", n))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := SessionID(ctx); v != "" {
		r.AddAttrs(slog.String("session_id", v))
	}
	if v := StepID(ctx); v != "" {
		r.AddAttrs(slog.String("step_id", v))
	}
	if v := Incident(ctx); v != "" {
		r.AddAttrs(slog.String("incident", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
