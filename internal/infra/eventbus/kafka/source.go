// Package kafka delivers and publishes pipeline triggers over a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus/kafka/tracing"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

var _ trigger.Source = (*Source)(nil)

// Source consumes triggers through a consumer group.
type Source struct {
	consumerGroup sarama.ConsumerGroup
	topic         string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.BrokerMetrics
}

// NewSource creates a trigger source on an existing consumer group.
func NewSource(
	consumerGroup sarama.ConsumerGroup,
	topic string,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Source, error) {
	if topic == "" {
		return nil, errors.New("kafka trigger topic is required")
	}
	if metrics == nil {
		metrics = eventbus.NoopMetrics{}
	}
	return &Source{
		consumerGroup: consumerGroup,
		topic:         topic,
		logger:        logger.With("component", "kafka_trigger_source", "topic", topic),
		tracer:        tracer,
		metrics:       metrics,
	}, nil
}

// Consume joins the consumer group and hands each trigger to handler until
// ctx is canceled. Group sessions end on every rebalance; Consume rejoins
// until shutdown.
func (s *Source) Consume(ctx context.Context, handler trigger.Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	go s.drainErrors(ctx)

	cgHandler := &triggerHandler{
		topic:   s.topic,
		handler: handler,
		logger:  s.logger,
		tracer:  s.tracer,
		metrics: s.metrics,
	}

	for {
		if err := s.consumerGroup.Consume(ctx, []string{s.topic}, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return err
			}
			s.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Source) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.consumerGroup.Errors():
			if !ok {
				return
			}
			s.logger.Warn(ctx, "Consumer group error", "error", err)
		}
	}
}

// Close leaves the consumer group.
func (s *Source) Close() error { return s.consumerGroup.Close() }

// triggerHandler implements sarama.ConsumerGroupHandler for trigger records.
type triggerHandler struct {
	topic   string
	handler trigger.Handler

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.BrokerMetrics
}

func (h *triggerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *triggerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim hands records to the trigger handler in offset order. Each
// record is marked and committed once the handler returns, whatever the
// outcome, unless the handler reports trigger.ErrNotHandled. The claim then
// stops so no later offset is committed past the unhandled record.
func (h *triggerHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)

	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handleMessage(sess, msg) {
				return nil
			}
		}
	}
}

// handleMessage reports whether msg was committed.
func (h *triggerHandler) handleMessage(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	t, err := decodeTrigger(msg)
	if err != nil {
		// An undecodable value is still a fire signal.
		h.logger.Warn(msgCtx, "Malformed trigger payload, running unforced", "error", err)
		span.RecordError(err)
	}
	t.ReceivedAt = time.Now()
	span.SetAttributes(
		attribute.String("trigger.id", t.ID),
		attribute.Bool("trigger.force", t.Force),
	)

	h.logger.Info(msgCtx, "Received trigger",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"trigger_id", t.ID,
		"force", t.Force,
		"job_type", t.JobType,
	)

	err = h.handler(msgCtx, t)
	if errors.Is(err, trigger.ErrNotHandled) {
		h.logger.Info(msgCtx, "Trigger left for redelivery", "trigger_id", t.ID, "offset", msg.Offset, "reason", err)
		return false
	}
	if err != nil {
		h.metrics.IncConsumeError(msgCtx, h.topic)
		h.logger.Error(msgCtx, "Failed to handle trigger", "trigger_id", t.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		h.metrics.IncMessageConsumed(msgCtx, h.topic)
	}

	sess.MarkMessage(msg, "")
	sess.Commit()
	return true
}
