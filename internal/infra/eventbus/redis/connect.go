package redis

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

// ConnectSource validates cfg, then dials Redis and returns a source that
// owns the client. An invalid cfg fails before any connection is opened.
func ConnectSource(
	ctx context.Context,
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Source, error) {
	src, err := NewSource(nil, cfg, log, tracer, metrics)
	if err != nil {
		return nil, err
	}
	if src.client, err = Connect(ctx, &cfg, log); err != nil {
		return nil, err
	}
	return src, nil
}

// ConnectPublisher is ConnectSource for the publishing side.
func ConnectPublisher(
	ctx context.Context,
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Publisher, error) {
	pub, err := NewPublisher(nil, cfg, log, tracer, metrics)
	if err != nil {
		return nil, err
	}
	if pub.client, err = Connect(ctx, &cfg, log); err != nil {
		return nil, err
	}
	return pub, nil
}
