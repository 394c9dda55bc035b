package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for vela spans. TenantID is deliberately the only
// tenant-identifying value placed on spans; row data never is.
var (
	AttrTenantID      = attribute.Key("vela.tenant_id")
	AttrIsolationMode = attribute.Key("vela.isolation_mode")
	AttrPrivileged    = attribute.Key("vela.privileged")
	AttrTable         = attribute.Key("vela.table")
	AttrOperation     = attribute.Key("vela.operation")
	AttrNamespace     = attribute.Key("vela.namespace")
)
