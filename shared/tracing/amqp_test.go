package tracing

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestAMQPPropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectAMQP(ctx, nil)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])

	got := trace.SpanContextFromContext(ExtractAMQP(context.Background(), headers))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestAMQPHeaderCarrier_IgnoresNonStringValues(t *testing.T) {
	c := AMQPHeaderCarrier(amqp.Table{"x-retry": int32(3), "tenant": "pets"})

	assert.Equal(t, "", c.Get("x-retry"))
	assert.Equal(t, "pets", c.Get("tenant"))
	assert.ElementsMatch(t, []string{"x-retry", "tenant"}, c.Keys())
}

func TestExtractAMQP_NilHeaders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractAMQP(ctx, nil))
}
