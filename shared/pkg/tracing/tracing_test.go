package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/encodefleet/encodefleet/pkg/logging"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Provider{tp: tp, tracer: tp.Tracer("test")}, rec
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDisabledTracerIsUsable(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "encodefleet"}, logging.Discard())
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestHTTPMiddlewareRecordsRoute(t *testing.T) {
	p, rec := recordingProvider()

	handler := HTTPMiddleware(p, func(r *http.Request) string { return "/jobs/{id}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
			w.WriteHeader(http.StatusNotFound)
		}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/jobs/abc", nil))
	assert.NotEmpty(t, rr.Header().Get("traceparent"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /jobs/{id}", spans[0].Name())

	status, ok := attr(spans[0], "http.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusNotFound), status.AsInt64())

	failed, ok := attr(spans[0], "error")
	require.True(t, ok)
	assert.True(t, failed.AsBool())
}

func TestInjectHTTPHeaders(t *testing.T) {
	p, _ := recordingProvider()
	ctx, span := p.Tracer().Start(context.Background(), "outbound")
	defer span.End()

	req := httptest.NewRequest("POST", "http://hooks.example.com/", nil)
	InjectHTTPHeaders(ctx, req)
	assert.Contains(t, req.Header.Get("traceparent"), span.SpanContext().TraceID().String())
}

func TestEndSpanRecordsError(t *testing.T) {
	p, rec := recordingProvider()

	_, span := p.Tracer().Start(context.Background(), "op")
	EndSpan(span, errors.New("boom"))
	_, clean := p.Tracer().Start(context.Background(), "ok")
	EndSpan(clean, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
