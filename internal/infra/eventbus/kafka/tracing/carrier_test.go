package tracing

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMessageCarrier_SetReplaces(t *testing.T) {
	c := &MessageCarrier{}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestTraceContextRoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	out := &MessageCarrier{}
	prop.Inject(ctx, out)
	require.NotEmpty(t, out.Get("traceparent"))

	headers := make([]*sarama.RecordHeader, len(out.Headers))
	for i := range out.Headers {
		headers[i] = &out.Headers[i]
	}
	msg := &sarama.ConsumerMessage{Headers: headers}

	in := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		in = append(in, *h)
	}
	got := trace.SpanContextFromContext(prop.Extract(context.Background(), &MessageCarrier{Headers: in}))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
}
