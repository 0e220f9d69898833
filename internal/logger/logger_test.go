package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestCtx_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug", "test")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(l.WithContext(context.Background()), "op")
	defer span.End()

	Ctx(ctx).Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "test", entry["service"])
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestCtx_WithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info", "test")

	Ctx(l.WithContext(context.Background())).Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	Ctx(l.WithContext(context.Background())).Warn().Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "trace_id")
}
