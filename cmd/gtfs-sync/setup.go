package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/app/pipeline"
	"github.com/transitwatch/gtfs-sync/internal/config"
	"github.com/transitwatch/gtfs-sync/internal/config/envloader"
	"github.com/transitwatch/gtfs-sync/internal/config/fileloader"
	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus/kafka"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus/redis"
	"github.com/transitwatch/gtfs-sync/internal/infra/feedsource/archive"
	"github.com/transitwatch/gtfs-sync/internal/infra/feedsource/httpsource"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage/feed/postgres"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
	"github.com/transitwatch/gtfs-sync/pkg/common/otel"
)

const defaultScheduleInterval = time.Hour

// env is the process-wide state every subcommand starts from.
type env struct {
	cfg       *config.Config
	log       *logger.Logger
	providers otel.Providers
	tracer    trace.Tracer
	teardown  func(ctx context.Context)
}

func setup(c *cli.Context, role string) (*env, error) {
	ctx := c.Context

	var loader config.Loader = envloader.NewEnvLoader()
	if path := c.String("config"); path != "" {
		loader = fileloader.NewFileLoader(path)
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"role":     role,
		"version":  version,
	}
	log := logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(cfg.Service.LogLevel),
		cfg.Service.Name,
		otel.GetTraceID,
		logEvents,
		metadata,
	)

	e := &env{cfg: cfg, log: log, providers: otel.Noop(), teardown: func(context.Context) {}}
	if cfg.Telemetry.Enabled {
		providers, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Service.Name,
			ServiceVersion:   version,
			ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability: cfg.Telemetry.SamplingRatio,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"host.name":        hostname,
				"gtfs_sync.role":   role,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		e.providers, e.teardown = providers, teardown
	}
	e.tracer = e.providers.Tracer.Tracer(cfg.Service.Name)

	return e, nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.teardown(ctx)
}

func (e *env) openPool(ctx context.Context, migrate bool) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(e.cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	if e.cfg.Database.MinConns > 0 {
		poolCfg.MinConns = e.cfg.Database.MinConns
	}
	if e.cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = e.cfg.Database.MaxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer(otelpgx.WithTracerProvider(e.providers.Tracer))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if migrate {
		if err := storage.RunMigrations(pool, e.cfg.Database.MigrationsPath); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		e.log.Info(ctx, "Migrations applied", "path", e.cfg.Database.MigrationsPath)
	}
	return pool, nil
}

func (e *env) newRunner(pool *pgxpool.Pool) (*pipeline.Runner, error) {
	loc, err := time.LoadLocation(e.cfg.Feed.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", e.cfg.Feed.Timezone, err)
	}
	policy, err := feed.ParseShapeIDPolicy(e.cfg.Feed.ShapeIDPolicy)
	if err != nil {
		return nil, err
	}

	metrics, err := pipeline.NewPipelineMetrics(e.providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	source := httpsource.New(httpsource.Config{
		URL:             e.cfg.Feed.URL,
		Timeout:         e.cfg.Feed.RequestTimeout,
		MaxArchiveBytes: e.cfg.Feed.MaxArchiveBytes,
	}, e.log, e.tracer)

	deps := pipeline.Dependencies{
		Source:      source,
		OpenArchive: archive.Open,
		Checkpoints: postgres.NewCheckpointStore(pool, e.tracer),
		ShapeIDs:    postgres.NewShapeIDStore(pool, e.tracer),
		Staging:     postgres.NewStagingStore(pool, e.tracer),
		Merger:      postgres.NewMerger(pool, e.tracer),
	}
	return pipeline.NewRunner(deps, pipeline.Config{Location: loc, ShapeIDPolicy: policy}, e.log, e.tracer, metrics), nil
}

func (e *env) brokerMetrics() eventbus.BrokerMetrics {
	m, err := eventbus.NewBrokerMetrics(e.providers.Meter, string(e.cfg.Trigger.Backend))
	if err != nil {
		e.log.Warn(context.Background(), "Broker metrics disabled", "error", err)
		return eventbus.NoopMetrics{}
	}
	return m
}

func (e *env) kafkaConfig() *kafka.Config {
	return &kafka.Config{
		Brokers:  e.cfg.Kafka.Brokers,
		Topic:    e.cfg.Kafka.Topic,
		GroupID:  e.cfg.Kafka.GroupID,
		ClientID: e.cfg.Kafka.ClientID,
	}
}

func (e *env) redisConfig() redis.Config {
	return redis.Config{
		Addr:     e.cfg.Redis.Addr,
		Username: e.cfg.Redis.Username,
		Password: e.cfg.Redis.Password,
		DB:       e.cfg.Redis.DB,
		Stream:   e.cfg.Redis.Stream,
		Group:    e.cfg.Redis.Group,
		Consumer: e.cfg.Redis.Consumer,
		MaxLen:   e.cfg.Redis.MaxLen,
	}
}

func (e *env) newSource(ctx context.Context) (trigger.Source, error) {
	switch e.cfg.Trigger.Backend {
	case config.TriggerBackendRedis:
		src, err := redis.ConnectSource(ctx, e.redisConfig(), e.log, e.tracer, e.brokerMetrics())
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return kafka.ConnectSource(e.kafkaConfig(), e.log, e.tracer, e.brokerMetrics())
	}
}

func (e *env) newPublisher(ctx context.Context) (trigger.Publisher, error) {
	switch e.cfg.Trigger.Backend {
	case config.TriggerBackendRedis:
		pub, err := redis.ConnectPublisher(ctx, e.redisConfig(), e.log, e.tracer, e.brokerMetrics())
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return kafka.ConnectPublisher(e.kafkaConfig(), e.log, e.tracer, e.brokerMetrics())
	}
}
