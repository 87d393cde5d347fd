package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

func connectBackoff() backoff.BackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second
	return expBackoff
}

// ConnectSource dials the brokers and joins the trigger consumer group,
// retrying with exponential backoff for up to five minutes so a worker can
// start before its cluster is reachable.
func ConnectSource(
	cfg *Config,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Source, error) {
	var src *Source

	operation := func() error {
		consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig(cfg.ClientID))
		if err != nil {
			logger.Warn(context.Background(), "Kafka not reachable, retrying", "brokers", cfg.Brokers, "error", err)
			return fmt.Errorf("creating consumer group: %w", err)
		}

		src, err = NewSource(consumerGroup, cfg.Topic, logger, tracer, metrics)
		if err != nil {
			consumerGroup.Close()
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(operation, connectBackoff()); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return src, nil
}

// ConnectPublisher dials the brokers and creates a trigger publisher with the
// same retry policy as ConnectSource.
func ConnectPublisher(
	cfg *Config,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics eventbus.BrokerMetrics,
) (*Publisher, error) {
	var pub *Publisher

	operation := func() error {
		producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig(cfg.ClientID))
		if err != nil {
			logger.Warn(context.Background(), "Kafka not reachable, retrying", "brokers", cfg.Brokers, "error", err)
			return fmt.Errorf("creating producer: %w", err)
		}

		pub, err = NewPublisher(producer, cfg.Topic, logger, tracer, metrics)
		if err != nil {
			producer.Close()
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(operation, connectBackoff()); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return pub, nil
}
