package storage

import (
	"context"
	"fmt"

	"talkready/internal/config"
)

// Open builds the store selected by cfg.StorageBackend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case config.StorageFile, "":
		return NewFileStore(cfg.DataDir)
	case config.StoragePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("storage backend %q requires DATABASE_URL", cfg.StorageBackend)
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StorageMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
