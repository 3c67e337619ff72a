// Package logging carries correlation identifiers through context so every
// log line produced while handling one instance is attributable to it.
package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	instanceIDKey contextKey = "instance_id"
	nodeIDKey     contextKey = "node_id"
	cardIDKey     contextKey = "card_id"
)

// WithInstanceID returns a context carrying the instance correlation id.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithNodeID returns a context carrying the node correlation id.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithCardID returns a context carrying the card correlation id.
func WithCardID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cardIDKey, id)
}

// InstanceID extracts the instance id from the context, if any.
func InstanceID(ctx context.Context) string {
	id, _ := ctx.Value(instanceIDKey).(string)
	return id
}

// CorrelationHandler is a slog.Handler decorator that appends the
// correlation ids found in the record's context.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps an inner handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, key := range []contextKey{instanceIDKey, nodeIDKey, cardIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			record.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
