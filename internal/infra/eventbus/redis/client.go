// Package redis delivers and publishes pipeline triggers over a Redis
// stream using a consumer group.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

// Config holds the settings for the Redis trigger stream.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Stream is the key of the trigger stream.
	Stream string
	// Group is the consumer group shared by all workers.
	Group string
	// Consumer names this worker within Group.
	Consumer string
	// MaxLen caps the stream length on publish, approximately. Zero keeps
	// every entry.
	MaxLen int64
	// BlockTimeout bounds each blocking read so shutdown is noticed.
	BlockTimeout time.Duration
}

const defaultBlockTimeout = 5 * time.Second

// NewClient creates a client for cfg. It does not dial.
func NewClient(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Connect creates a client and pings it, retrying with exponential backoff
// for up to five minutes.
func Connect(ctx context.Context, cfg *Config, log *logger.Logger) (*redis.Client, error) {
	client := NewClient(cfg)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn(ctx, "Redis not reachable, retrying", "addr", cfg.Addr, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", err)
	}
	return client, nil
}
