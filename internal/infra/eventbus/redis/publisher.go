package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

var _ trigger.Publisher = (*Publisher)(nil)

// Publisher appends triggers to a stream with XADD. The stream assigns the
// entry id, which replaces any id already set on the trigger.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.BrokerMetrics
}

// NewPublisher creates a trigger publisher on client.
func NewPublisher(
	client *redis.Client,
	cfg Config,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Publisher, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("redis trigger stream is required")
	}
	if metrics == nil {
		metrics = eventbus.NoopMetrics{}
	}
	return &Publisher{
		client:  client,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		logger:  logger.With("component", "redis_trigger_publisher", "stream", cfg.Stream),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

// Publish appends t to the stream.
func (p *Publisher) Publish(ctx context.Context, t trigger.Trigger) error {
	ctx, span := p.tracer.Start(ctx, "redis.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", p.stream),
			attribute.Bool("trigger.force", t.Force),
		),
	)
	defer span.End()

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: encodeTrigger(t),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.IncPublishError(ctx, p.stream)
		return fmt.Errorf("failed to add trigger to stream %s: %w", p.stream, err)
	}

	span.SetAttributes(attribute.String("messaging.message.id", id))
	p.metrics.IncMessagePublished(ctx, p.stream)
	p.logger.Info(ctx, "Published trigger", "trigger_id", id, "force", t.Force)
	return nil
}

// Close closes the client.
func (p *Publisher) Close() error { return p.client.Close() }
