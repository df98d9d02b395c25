package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory provider for the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func dashboardMux(status int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/tenants/{tid}/dashboards/{did}/menu", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	return Middleware("dashboard")(NameSpans(mux))
}

func TestSpansNamedAfterRoute(t *testing.T) {
	exporter := recordSpans(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/dashboards/main/menu", nil)
	dashboardMux(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if want := "GET /api/v1/tenants/{tid}/dashboards/{did}/menu"; spans[0].Name != want {
		t.Errorf("expected %q, got %q", want, spans[0].Name)
	}
	for _, kv := range spans[0].Attributes {
		if kv.Key == "error" {
			t.Error("expected no error flag on a 200")
		}
	}
}

func TestUnroutedRequestKeepsPathAndFlagsError(t *testing.T) {
	exporter := recordSpans(t)

	rec := httptest.NewRecorder()
	dashboardMux(http.StatusOK).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/nowhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "DELETE /nowhere" {
		t.Fatalf("expected one span named after the path, got %+v", spans)
	}
	flagged := false
	for _, kv := range spans[0].Attributes {
		if kv.Key == "error" && kv.Value.AsBool() {
			flagged = true
		}
	}
	if !flagged {
		t.Error("expected the failed request flagged")
	}
}

func TestIncomingTraceContinued(t *testing.T) {
	exporter := recordSpans(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/dashboards/main/menu", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	dashboardMux(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("expected trace %s continued, got %s", traceID, got)
	}
}

func TestSpanFlagsOnlyFirstStatus(t *testing.T) {
	exporter := recordSpans(t)

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
		w.WriteHeader(http.StatusInternalServerError)
	})
	Middleware("dashboard")(NameSpans(mux)).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPut, "/items/7", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	for _, kv := range spans[0].Attributes {
		if kv.Key == "error" {
			t.Error("expected the superfluous 500 ignored")
		}
	}
}
