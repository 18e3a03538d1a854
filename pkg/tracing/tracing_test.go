package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attributesOf(span tracesdk.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "peermesh", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpanWithoutProvider(t *testing.T) {
	_, span := StartSpan(context.Background(), "test.operation")
	require.NotNil(t, span)
	span.End()

	// helpers must tolerate non-recording spans
	RecordError(context.Background(), errors.New("ignored"))
	AddSpanAttributes(context.Background(), attribute.Int("n", 1))
}

func TestTraceHandshake(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TraceHandshake(context.Background(), "server", "10.0.0.2:4000")
	AddSpanAttributes(ctx, AssignedIDKey.Int(7))
	RecordError(ctx, errors.New("timed out"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "handshake.server", ended[0].Name())
	assert.Equal(t, trace.SpanKindServer, ended[0].SpanKind())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := attributesOf(ended[0])
	assert.Equal(t, "server", attrs[RoleKey].AsString())
	assert.Equal(t, int64(7), attrs[AssignedIDKey].AsInt64())
}

func TestTraceHelpersNameSpans(t *testing.T) {
	recorder := recordSpans(t)

	_, httpSpan := TraceHTTPRequest(context.Background(), "GET", "/api/v1/mesh")
	httpSpan.End()
	_, msgSpan := TraceHandshakeMessage(context.Background(), "out", "offer", "7")
	msgSpan.End()
	ctx, meshSpan := TraceMeshOperation(context.Background(), "remove_peer", "7")
	MeasureDuration(ctx, time.Now().Add(-5*time.Millisecond), "remove_peer")
	meshSpan.End()

	ended := recorder.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "http.GET", ended[0].Name())
	assert.Equal(t, "websocket.offer", ended[1].Name())
	assert.Equal(t, "mesh.remove_peer", ended[2].Name())

	assert.Equal(t, "out", attributesOf(ended[1])["websocket.direction"].AsString())

	attrs := attributesOf(ended[2])
	assert.Equal(t, "7", attrs[PeerIDKey].AsString())
	assert.GreaterOrEqual(t, attrs[DurationKey].AsInt64(), int64(5))
}
