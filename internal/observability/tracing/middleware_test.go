package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func attr(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func router(status int) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/channels/{id}/cooldown", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	return r
}

/* ───────────────────────────── 1. Spans ───────────────────────────── */

func TestMiddleware_NamesSpanAfterRoute(t *testing.T) {
	exporter := newRecorder(t)

	rr := httptest.NewRecorder()
	router(http.StatusOK).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/channels/7/cooldown", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "GET /channels/{id}/cooldown", span.Name)

	route, ok := attr(span, "http.route")
	require.True(t, ok)
	assert.Equal(t, "/channels/{id}/cooldown", route.AsString())

	status, ok := attr(span, "http.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(200), status.AsInt64())
	assert.Equal(t, codes.Unset, span.Status.Code)

	assert.Equal(t, span.SpanContext.TraceID().String(), rr.Header().Get(TraceIDHeader))
}

func TestMiddleware_ErrorStatusFor5xx(t *testing.T) {
	tests := []struct {
		status int
		want   codes.Code
	}{
		{http.StatusNotFound, codes.Unset},
		{http.StatusServiceUnavailable, codes.Error},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exporter := newRecorder(t)
			router(tt.status).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/channels/1/cooldown", nil))

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.want, spans[0].Status.Code)
		})
	}
}

/* ───────────────────────────── 2. Propagation ───────────────────────────── */

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	exporter := newRecorder(t)

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/channels/3/cooldown", nil)
	req.Header.Set("traceparent", parent)
	router(http.StatusOK).ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
}

func TestMiddleware_WithoutRouterUsesPath(t *testing.T) {
	exporter := newRecorder(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/raw", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /raw", spans[0].Name)
}
