package kvstore

import (
	"context"
	"fmt"

	"callagent/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open selects and opens the configured store backend.
// Config validation has already constrained Backend to a known value.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return OpenSQL(ctx, "sqlite", cfg.Store.DSN, SQLPoolConfig{
			// sqlite serializes writers; keep the pool at one connection.
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		})
	case "postgres":
		return OpenSQL(ctx, "pgx", cfg.Store.DSN, SQLPoolConfig{})
	case "redis":
		return OpenRedis(ctx, RedisConfig{Addr: cfg.RedisAddr()})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
