package otel

import (
	"context"

	"github.com/policygate/policygate/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Start opens a span when tracing is enabled in ctx. The returned finish
// func records *errp on the span; it is safe to call when tracing is off.
//
//	ctx, finish := otel.Start(ctx, "policygate.ingest")
//	defer finish(&err)
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(errp *error)) {
	h := From(ctx)
	if h == nil || h.Tracer == nil {
		return ctx, func(*error) {}
	}

	attrs = append(attrs, attribute.String("policygate.op_id", observability.OpID(ctx)))
	ctx, span := h.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, "failed")
		} else {
			span.SetStatus(codes.Ok, "success")
		}
		span.End()
	}
}
