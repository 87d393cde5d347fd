package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitwatch/gtfs-sync/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileLoader_Load(t *testing.T) {
	path := writeConfig(t, `
feed:
  url: https://example.com/google_transit.zip
  request_timeout: 45s
database:
  url: postgres://gtfs:gtfs@db:5432/gtfs
trigger:
  backend: redis
  max_runs_per_minute: 2
redis:
  addr: redis:6379
`)

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/google_transit.zip", cfg.Feed.URL)
	assert.Equal(t, 45*time.Second, cfg.Feed.RequestTimeout)
	assert.Equal(t, config.TriggerBackendRedis, cfg.Trigger.Backend)
	assert.Equal(t, 2, cfg.Trigger.MaxRunsPerMinute)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)

	// Untouched keys keep their defaults.
	assert.Equal(t, "Pacific/Honolulu", cfg.Feed.Timezone)
	assert.Equal(t, "gtfs:triggers", cfg.Redis.Stream)
	assert.Equal(t, "resolve_all", cfg.Feed.ShapeIDPolicy)
}

func TestFileLoader_Errors(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = NewFileLoader(writeConfig(t, "feed: [")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = NewFileLoader(writeConfig(t, "feed:\n  url: https://example.com/f.zip\n")).Load(context.Background())
	assert.ErrorContains(t, err, "invalid config")
}
