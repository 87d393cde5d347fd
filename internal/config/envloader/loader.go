// Package envloader reads the configuration from GTFS_SYNC_* environment
// variables, e.g. GTFS_SYNC_FEED_URL or GTFS_SYNC_KAFKA_BROKERS.
package envloader

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/transitwatch/gtfs-sync/internal/config"
)

// Prefix is prepended to every variable name.
const Prefix = "GTFS_SYNC"

var _ config.Loader = (*EnvLoader)(nil)

// EnvLoader loads configuration from the environment.
type EnvLoader struct {
	v *viper.Viper
}

// NewEnvLoader creates a loader over the process environment.
func NewEnvLoader() *EnvLoader {
	v := viper.New()
	v.SetEnvPrefix(Prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &EnvLoader{v: v}
}

// Load overlays the environment on the defaults and validates the result.
// Lists such as KAFKA_BROKERS are comma separated.
func (l *EnvLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := registerDefaults(l.v, config.Default()); err != nil {
		return nil, err
	}

	var cfg config.Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// registerDefaults declares every key so AutomaticEnv can resolve it during
// Unmarshal, seeding each with its default value.
func registerDefaults(v *viper.Viper, defaults *config.Config) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}

	for key, value := range flatten("", tree) {
		v.SetDefault(key, value)
	}
	return nil
}

func flatten(prefix string, tree map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}
