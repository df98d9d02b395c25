package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operations creates spans around the server's tenant-scoped operations.
type Operations struct {
	tracer trace.Tracer
}

// NewOperations creates an Operations tracer. If tracer is nil, the global
// tracer provider is used.
func NewOperations(tracer trace.Tracer) *Operations {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("dashboard")
	}
	return &Operations{tracer: tracer}
}

// StartSchema begins a span for a DDL or row operation on a managed table.
func (o *Operations) StartSchema(ctx context.Context, tenantID uuid.UUID, op, table string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "schema."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID.String()),
			attribute.String("schema.table", table),
		),
	)
}

// StartQuery begins a span for a query console request. The query text is
// not recorded.
func (o *Operations) StartQuery(ctx context.Context, tenantID uuid.UUID) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "schema.query",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tenant.id", tenantID.String())),
	)
}

// StartDispatch begins a span for one content dispatcher tick.
func (o *Operations) StartDispatch(ctx context.Context) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "content.dispatch", trace.WithSpanKind(trace.SpanKindInternal))
}

// End records err on the span, if any, and ends it.
func (o *Operations) End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
