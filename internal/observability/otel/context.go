package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Handle is the tracer for policygate spans and the provider shutdown
type Handle struct {
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

type handleKey struct{}

func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// From is nil when tracing is disabled
func From(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}
