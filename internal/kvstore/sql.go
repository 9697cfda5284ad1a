package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLPoolConfig controls database/sql pool behavior.
type SQLPoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c SQLPoolConfig) withDefaults() SQLPoolConfig {
	out := c
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 5
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 5
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// SQL is a Store backed by a single-table schema over database/sql.
// It works against modernc.org/sqlite ("sqlite") for the local file
// deployment and pgx ("pgx") for shared postgres; both accept the same
// upsert statement.
type SQL struct {
	db *sql.DB
}

const kvSchema = `
CREATE TABLE IF NOT EXISTS agent_kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
)`

// OpenSQL opens (and if needed creates) the key-value table.
// driverName is "sqlite" or "pgx"; dsn must not be logged, it may contain secrets.
func OpenSQL(ctx context.Context, driverName, dsn string, pool SQLPoolConfig) (*SQL, error) {
	pool = pool.withDefaults()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv db ping failed: %w", err)
	}

	if _, err := db.ExecContext(ctx, kvSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv schema init failed: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT v FROM agent_kv WHERE k = $1`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO agent_kv (k, v) VALUES ($1, $2)
ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v
`
	_, err := s.db.ExecContext(ctx, q, key, value)
	return err
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM agent_kv WHERE k = $1`
	_, err := s.db.ExecContext(ctx, q, key)
	return err
}

func (s *SQL) Close() error {
	return s.db.Close()
}
