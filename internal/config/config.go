// Package config defines the gtfs-sync process configuration and the rules
// for filling in and validating it.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
)

// TriggerBackend selects the stream the worker consumes triggers from.
type TriggerBackend string

const (
	TriggerBackendKafka TriggerBackend = "kafka"
	TriggerBackendRedis TriggerBackend = "redis"
)

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" mapstructure:"service"`
	Feed      FeedConfig      `yaml:"feed" mapstructure:"feed"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Trigger   TriggerConfig   `yaml:"trigger" mapstructure:"trigger"`
	Kafka     KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name        string `yaml:"name" mapstructure:"name" validate:"required"`
	HealthAddr  string `yaml:"health_addr" mapstructure:"health_addr"`
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	LogLevel    string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// FeedConfig describes the GTFS feed being synced.
type FeedConfig struct {
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`
	// Timezone is the IANA zone service dates are localized to.
	Timezone      string `yaml:"timezone" mapstructure:"timezone" validate:"required"`
	ShapeIDPolicy string `yaml:"shape_id_policy" mapstructure:"shape_id_policy" validate:"oneof=resolve_all passthrough_numeric"`
	// RequestTimeout bounds each HEAD and GET against the feed URL.
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gte=0"`
	MaxArchiveBytes int64         `yaml:"max_archive_bytes" mapstructure:"max_archive_bytes" validate:"gte=0"`
}

// DatabaseConfig points at the Postgres warehouse.
type DatabaseConfig struct {
	URL            string `yaml:"url" mapstructure:"url" validate:"required"`
	MinConns       int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
	MaxConns       int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MigrationsPath string `yaml:"migrations_path" mapstructure:"migrations_path" validate:"required"`
}

// TriggerConfig selects and paces the trigger stream.
type TriggerConfig struct {
	Backend TriggerBackend `yaml:"backend" mapstructure:"backend" validate:"oneof=kafka redis"`
	// MaxRunsPerMinute paces runs when positive. Triggers are delayed, never
	// dropped.
	MaxRunsPerMinute int `yaml:"max_runs_per_minute" mapstructure:"max_runs_per_minute" validate:"gte=0"`
}

// KafkaConfig is used when Trigger.Backend is kafka.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" mapstructure:"brokers"`
	Topic    string   `yaml:"topic" mapstructure:"topic"`
	GroupID  string   `yaml:"group_id" mapstructure:"group_id"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
}

// RedisConfig is used when Trigger.Backend is redis.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
	Stream   string `yaml:"stream" mapstructure:"stream"`
	Group    string `yaml:"group" mapstructure:"group"`
	Consumer string `yaml:"consumer" mapstructure:"consumer"`
	MaxLen   int64  `yaml:"max_len" mapstructure:"max_len" validate:"gte=0"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	ExporterEndpoint string  `yaml:"exporter_endpoint" mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
}

// Default returns a configuration with every optional setting filled in.
// URLs for the feed and the database have no default.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "gtfs-sync",
			HealthAddr:  ":8080",
			MetricsAddr: ":9090",
			LogLevel:    "info",
		},
		Feed: FeedConfig{
			Timezone:        feed.DefaultTimezone,
			ShapeIDPolicy:   string(feed.ShapeIDPolicyResolveAll),
			RequestTimeout:  5 * time.Minute,
			MaxArchiveBytes: 512 << 20,
		},
		Database: DatabaseConfig{
			MinConns:       1,
			MaxConns:       4,
			MigrationsPath: "db/migrations",
		},
		Trigger: TriggerConfig{Backend: TriggerBackendKafka},
		Kafka: KafkaConfig{
			Brokers:  []string{"localhost:9092"},
			Topic:    "gtfs-sync-triggers",
			GroupID:  "gtfs-sync",
			ClientID: "gtfs-sync",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Stream:   "gtfs:triggers",
			Group:    "gtfs-sync",
			Consumer: "gtfs-sync-worker",
			MaxLen:   10000,
		},
		Telemetry: TelemetryConfig{
			ExporterEndpoint: "localhost:4317",
			SamplingRatio:    1,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and the settings the selected trigger
// backend needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := feed.ParseShapeIDPolicy(c.Feed.ShapeIDPolicy); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("invalid config: database.min_conns %d exceeds max_conns %d",
			c.Database.MinConns, c.Database.MaxConns)
	}

	switch c.Trigger.Backend {
	case TriggerBackendKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "" {
			return fmt.Errorf("invalid config: kafka backend needs brokers, topic and group_id")
		}
	case TriggerBackendRedis:
		if c.Redis.Addr == "" || c.Redis.Stream == "" || c.Redis.Group == "" || c.Redis.Consumer == "" {
			return fmt.Errorf("invalid config: redis backend needs addr, stream, group and consumer")
		}
	}
	return nil
}
