// Package eventbus holds what the trigger stream adapters share.
package eventbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BrokerMetrics tracks trigger messages moving through a stream.
type BrokerMetrics interface {
	IncMessagePublished(ctx context.Context, stream string)
	IncMessageConsumed(ctx context.Context, stream string)
	IncPublishError(ctx context.Context, stream string)
	IncConsumeError(ctx context.Context, stream string)
}

type brokerMetrics struct {
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	system attribute.KeyValue
}

const namespace = "gtfs_sync_eventbus"

// NewBrokerMetrics registers the stream instruments on mp. system names the
// backing broker ("kafka", "redis", "memory") and is attached to every
// measurement.
func NewBrokerMetrics(mp metric.MeterProvider, system string) (*brokerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := &brokerMetrics{system: attribute.String("messaging.system", system)}
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of trigger messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of trigger messages handled successfully"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of trigger publish failures"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of trigger messages whose handler failed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *brokerMetrics) attrs(stream string) metric.MeasurementOption {
	return metric.WithAttributes(m.system, attribute.String("stream", stream))
}

func (m *brokerMetrics) IncMessagePublished(ctx context.Context, stream string) {
	m.messagesPublished.Add(ctx, 1, m.attrs(stream))
}

func (m *brokerMetrics) IncMessageConsumed(ctx context.Context, stream string) {
	m.messagesConsumed.Add(ctx, 1, m.attrs(stream))
}

func (m *brokerMetrics) IncPublishError(ctx context.Context, stream string) {
	m.publishErrors.Add(ctx, 1, m.attrs(stream))
}

func (m *brokerMetrics) IncConsumeError(ctx context.Context, stream string) {
	m.consumeErrors.Add(ctx, 1, m.attrs(stream))
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) IncMessagePublished(context.Context, string) {}
func (NoopMetrics) IncMessageConsumed(context.Context, string)  {}
func (NoopMetrics) IncPublishError(context.Context, string)     {}
func (NoopMetrics) IncConsumeError(context.Context, string)     {}
