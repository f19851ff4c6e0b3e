package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "relaycast-signal", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignalMessage_RecordsAttributes(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceSignalMessage(context.Background(), "produce", "T1", "peer-1", "publisher")
	AddSpanAttributes(ctx, RequestIDKey.String("r1"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.produce", ended[0].Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "T1", attrs[StreamTokenKey].AsString())
	assert.Equal(t, "peer-1", attrs[PeerIDKey].AsString())
	assert.Equal(t, "publisher", attrs[RoleKey].AsString())
	assert.Equal(t, "r1", attrs[RequestIDKey].AsString())
}

func TestRecordError_SetsStatus(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceRoomOperation(context.Background(), "consume", "T1")
	RecordError(ctx, errors.New("cannot consume"))
	RecordError(ctx, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "cannot consume", ended[0].Status().Description)
	assert.Len(t, ended[0].Events(), 1)
}

func TestTraceStoreOperation_NoProvider(t *testing.T) {
	_, span := TraceStoreOperation(context.Background(), "mark_live", "memory")
	require.NotNil(t, span)
	span.End()
}
