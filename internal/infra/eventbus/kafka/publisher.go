package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus/kafka/tracing"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

var _ trigger.Publisher = (*Publisher)(nil)

// Publisher sends triggers to the trigger topic.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.BrokerMetrics
}

// NewPublisher creates a trigger publisher on producer.
func NewPublisher(
	producer sarama.SyncProducer,
	topic string,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Publisher, error) {
	if topic == "" {
		return nil, errors.New("kafka trigger topic is required")
	}
	if metrics == nil {
		metrics = eventbus.NoopMetrics{}
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_trigger_publisher", "topic", topic),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// Publish sends t keyed by its id and waits for all in-sync replicas to
// acknowledge it.
func (p *Publisher) Publish(ctx context.Context, t trigger.Trigger) error {
	ctx, span := tracing.StartProducerSpan(ctx, p.topic, p.tracer)
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("trigger.id", t.ID),
		attribute.Bool("trigger.force", t.Force),
	)

	value, err := encodeTrigger(t)
	if err != nil {
		span.RecordError(err)
		p.metrics.IncPublishError(ctx, p.topic)
		return fmt.Errorf("failed to encode trigger: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(t.ID),
		Value: sarama.ByteEncoder(value),
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.IncPublishError(ctx, p.topic)
		return fmt.Errorf("failed to send trigger to kafka topic %s: %w", p.topic, err)
	}

	p.metrics.IncMessagePublished(ctx, p.topic)
	p.logger.Info(ctx, "Published trigger",
		"partition", partition,
		"offset", offset,
		"trigger_id", t.ID,
		"force", t.Force,
	)
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error { return p.producer.Close() }
