package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

var _ trigger.Source = (*Source)(nil)

// Source reads triggers from a stream through a consumer group. Entries
// delivered to this consumer but never acknowledged, such as after a crash
// mid-run, are redelivered first.
type Source struct {
	client *redis.Client
	cfg    Config

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics eventbus.BrokerMetrics
}

// NewSource creates a trigger source on client.
func NewSource(
	client *redis.Client,
	cfg Config,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Source, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("redis trigger stream, group and consumer are required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if metrics == nil {
		metrics = eventbus.NoopMetrics{}
	}
	return &Source{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "redis_trigger_source", "stream", cfg.Stream),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

// Consume creates the consumer group if needed, then hands each entry to
// handler and acknowledges it once handler returns, until ctx is canceled.
// Entries declined with trigger.ErrNotHandled stay pending.
func (s *Source) Consume(ctx context.Context, handler trigger.Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	// "0" replays this consumer's pending entries; ">" asks for new ones.
	cursor := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, cursor},
			Count:    1,
			Block:    s.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			cursor = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading trigger stream %s: %w", s.cfg.Stream, err)
		}

		delivered := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				delivered++
				s.handleMessage(ctx, msg, handler)
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func (s *Source) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", s.cfg.Group, s.cfg.Stream, err)
	}
	return nil
}

func (s *Source) handleMessage(ctx context.Context, msg redis.XMessage, handler trigger.Handler) {
	ctx, span := s.tracer.Start(ctx, "redis.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", s.cfg.Stream),
			attribute.String("messaging.message.id", msg.ID),
		),
	)
	defer span.End()

	t := decodeTrigger(msg)
	t.ReceivedAt = time.Now()
	span.SetAttributes(attribute.Bool("trigger.force", t.Force))

	s.logger.Info(ctx, "Received trigger", "trigger_id", t.ID, "force", t.Force, "job_type", t.JobType)

	err := handler(ctx, t)
	if errors.Is(err, trigger.ErrNotHandled) {
		// Left pending; replayed when this consumer next reads from "0".
		s.logger.Info(ctx, "Trigger left pending", "trigger_id", t.ID, "reason", err)
		return
	}
	if err != nil {
		s.metrics.IncConsumeError(ctx, s.cfg.Stream)
		s.logger.Error(ctx, "Failed to handle trigger", "trigger_id", t.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		s.metrics.IncMessageConsumed(ctx, s.cfg.Stream)
	}

	// The run already happened; acknowledge even when shutdown has begun.
	ackCtx := context.WithoutCancel(ctx)
	if err := s.client.XAck(ackCtx, s.cfg.Stream, s.cfg.Group, msg.ID).Err(); err != nil {
		s.logger.Error(ctx, "Failed to acknowledge trigger", "trigger_id", t.ID, "error", err)
		span.RecordError(err)
	}
}

// Close closes the client.
func (s *Source) Close() error { return s.client.Close() }
