package store

import (
	"fmt"

	"github.com/sokopesa/bridge/internal/config"
)

// New creates a Store from configuration.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		// Loses dispatch protection on restart; development only.
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
