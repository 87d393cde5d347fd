package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

func setupRedis(t *testing.T) (Config, func()) {
	t.Helper()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	cfg := Config{
		Addr:         fmt.Sprintf("%s:%s", host, port.Port()),
		Stream:       "gtfs:triggers",
		Group:        "gtfs-sync",
		Consumer:     "worker-1",
		MaxLen:       1000,
		BlockTimeout: 200 * time.Millisecond,
	}
	return cfg, func() { _ = container.Terminate(ctx) }
}

func TestStream_PublishAndConsume(t *testing.T) {
	t.Parallel()

	cfg, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	tracer := noop.NewTracerProvider().Tracer("test")

	client, err := Connect(ctx, &cfg, logger.Noop())
	require.NoError(t, err)

	pub, err := NewPublisher(NewClient(&cfg), cfg, logger.Noop(), tracer, nil)
	require.NoError(t, err)
	defer pub.Close()

	src, err := NewSource(client, cfg, logger.Noop(), tracer, nil)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, pub.Publish(ctx, trigger.New(false, trigger.JobTypeGTFSSync)))
	require.NoError(t, pub.Publish(ctx, trigger.New(true, trigger.JobTypeGTFSSync)))

	consumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var got []trigger.Trigger
	err = src.Consume(consumeCtx, func(_ context.Context, tr trigger.Trigger) error {
		got = append(got, tr)
		if len(got) == 2 {
			cancel()
			return errors.New("run failed")
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, got, 2)
	assert.False(t, got[0].Force)
	assert.True(t, got[1].Force)
	assert.Equal(t, trigger.JobTypeGTFSSync, got[1].JobType)

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "every delivered trigger is acknowledged")
}

func TestStream_RedeliversPendingEntries(t *testing.T) {
	t.Parallel()

	cfg, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	tracer := noop.NewTracerProvider().Tracer("test")

	client, err := Connect(ctx, &cfg, logger.Noop())
	require.NoError(t, err)

	src, err := NewSource(client, cfg, logger.Noop(), tracer, nil)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.ensureGroup(ctx))
	require.NoError(t, src.ensureGroup(ctx), "existing group is reused")

	pub, err := NewPublisher(NewClient(&cfg), cfg, logger.Noop(), tracer, nil)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish(ctx, trigger.New(true, "")))

	// Simulate a crash after delivery and before acknowledgement.
	_, err = client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		Streams:  []string{cfg.Stream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	consumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var got []trigger.Trigger
	err = src.Consume(consumeCtx, func(_ context.Context, tr trigger.Trigger) error {
		got = append(got, tr)
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, got, 1)
	assert.True(t, got[0].Force)
}

func TestStream_UnhandledEntryStaysPending(t *testing.T) {
	t.Parallel()

	cfg, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	tracer := noop.NewTracerProvider().Tracer("test")

	client, err := Connect(ctx, &cfg, logger.Noop())
	require.NoError(t, err)

	src, err := NewSource(client, cfg, logger.Noop(), tracer, nil)
	require.NoError(t, err)
	defer src.Close()

	pub, err := NewPublisher(NewClient(&cfg), cfg, logger.Noop(), tracer, nil)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish(ctx, trigger.New(true, "")))

	consumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err = src.Consume(consumeCtx, func(context.Context, trigger.Trigger) error {
		cancel()
		return fmt.Errorf("waiting for run slot: %w: %w", trigger.ErrNotHandled, context.Canceled)
	})
	require.ErrorIs(t, err, context.Canceled)

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	replayCtx, stop := context.WithTimeout(ctx, 30*time.Second)
	defer stop()

	var replayed []trigger.Trigger
	err = src.Consume(replayCtx, func(_ context.Context, tr trigger.Trigger) error {
		replayed = append(replayed, tr)
		stop()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, replayed, 1)
	assert.True(t, replayed[0].Force)

	pending, err = client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
