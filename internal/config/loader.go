package config

import (
	"context"
)

// Loader provides configuration loading capabilities. Implementations start
// from Default, overlay their source and return a validated Config.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	Load(ctx context.Context) (*Config, error)
}
