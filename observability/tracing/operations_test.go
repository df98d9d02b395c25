package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestOperations(t *testing.T) (*Operations, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewOperations(tp.Tracer("test")), exporter
}

func TestOperations_StartSchema(t *testing.T) {
	ops, exporter := newTestOperations(t)
	tenantID := uuid.New()

	_, span := ops.StartSchema(context.Background(), tenantID, "create_table", "orders")
	ops.End(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "schema.create_table" {
		t.Errorf("expected span name 'schema.create_table', got %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", spans[0].Status.Code)
	}

	foundTenant, foundTable := false, false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "tenant.id" && attr.Value.AsString() == tenantID.String() {
			foundTenant = true
		}
		if string(attr.Key) == "schema.table" && attr.Value.AsString() == "orders" {
			foundTable = true
		}
	}
	if !foundTenant || !foundTable {
		t.Errorf("missing attributes: tenant=%v table=%v", foundTenant, foundTable)
	}
}

func TestOperations_EndRecordsError(t *testing.T) {
	ops, exporter := newTestOperations(t)

	ctx, parent := ops.StartDispatch(context.Background())
	_, child := ops.StartQuery(ctx, uuid.New())
	ops.End(child, errors.New("read-only violation"))
	ops.End(parent, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	query := spans[0]
	if query.Name != "schema.query" {
		t.Fatalf("expected the query span first, got %q", query.Name)
	}
	if query.Status.Code != codes.Error {
		t.Errorf("expected Error status, got %v", query.Status.Code)
	}
	if len(query.Events) == 0 {
		t.Error("expected an exception event")
	}
	if query.Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("expected the query span to be a child of the dispatch span")
	}
}

func TestNewOperations_NilUsesGlobal(t *testing.T) {
	if NewOperations(nil) == nil {
		t.Fatal("expected non-nil operations")
	}
}
