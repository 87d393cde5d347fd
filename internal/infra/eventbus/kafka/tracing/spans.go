// Package tracing carries OpenTelemetry context across Kafka messages and
// starts the producer and consumer spans for trigger traffic.
package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

func messagingAttrs(topic string, op attribute.KeyValue, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.MessagingSystemKafka, semconv.MessagingDestinationName(topic), op}
	return append(attrs, extra...)
}

// StartProducerSpan starts a producer span for a trigger sent to topic.
func StartProducerSpan(ctx context.Context, topic string, tracer trace.Tracer) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttrs(topic, semconv.MessagingOperationPublish)...),
	)
}

// StartConsumerSpan starts a consumer span for msg. The span records the
// partition and offset so a failed run can be traced back to its message.
func StartConsumerSpan(ctx context.Context, msg *sarama.ConsumerMessage, tracer trace.Tracer) (context.Context, trace.Span) {
	attrs := messagingAttrs(msg.Topic, semconv.MessagingOperationReceive,
		semconv.MessagingKafkaDestinationPartition(int(msg.Partition)),
		semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
	)
	if len(msg.Key) > 0 {
		attrs = append(attrs, attribute.String("messaging.kafka.message.key", string(msg.Key)))
	}
	return tracer.Start(ctx, "kafka.consume", trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(attrs...))
}
