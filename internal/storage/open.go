// Package storage selects the game.Store backend named in the API config.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"treepot/internal/boltdb"
	"treepot/internal/config"
	"treepot/internal/db"
	"treepot/internal/game"
)

// Open returns the configured store and a function releasing it.
func Open(ctx context.Context, cfg config.APIConfig, logger *slog.Logger) (game.Store, func(), error) {
	switch cfg.Store {
	case config.StoreBolt:
		st, err := boltdb.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using bolt store", "path", cfg.BoltPath)
		return st, func() { _ = st.Close() }, nil
	case config.StorePostgres:
		if cfg.RunMigrations {
			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return nil, nil, err
			}
		}
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres store")
		return db.NewStore(pool, logger), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
