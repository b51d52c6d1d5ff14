package checkpoint

import (
	"fmt"
)

// StoreConfig selects and configures a checkpoint backend.
type StoreConfig struct {
	// Backend is one of "memory", "file", "redis", "database".
	Backend string `yaml:"backend" json:"backend"`
	// Dir is the base directory for the file backend.
	Dir string `yaml:"dir" json:"dir"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" json:"redis"`
	// Database configures the SQL backend.
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// NewStore builds a Store from config. An empty backend selects memory.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		dir := config.Dir
		if dir == "" {
			dir = "checkpoints"
		}
		return NewFileStore(dir)
	case "redis":
		return NewRedisStore(config.Redis)
	case "database":
		return NewGormStore(config.Database)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", config.Backend)
	}
}
