package store

import (
	"fmt"

	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/db"
)

// Open builds the session store the config names: SQLite by default,
// Postgres when configured.
func Open(cfg config.StoreConfig, log *logger.Logger) (Store, error) {
	var (
		pool *db.Pool
		err  error
	)
	switch cfg.Driver {
	case "postgres":
		pg := cfg.Postgres
		pool, err = db.NewPostgresPool(pg.DSN(), pg.MaxConns, pg.MinConns)
	case "", "sqlite":
		pool, err = db.NewSQLitePool(config.ExpandHome(cfg.Path))
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	st, err := New(pool, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}
