// Package database provides PostgreSQL connection management via pgx and the
// embedded schema migrations for evaluation data and the catalog.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags connections in pg_stat_activity unless the URL sets
// its own application_name.
const ApplicationName = "pai-eval"

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// ParseURL validates a PostgreSQL connection URL and fills in the session
// defaults the stores rely on. Timestamps are read and written in UTC unless
// the URL picks another timezone.
func ParseURL(url string) (*pgxpool.Config, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is empty")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	params := cfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = ApplicationName
	}
	if params["timezone"] == "" {
		params["timezone"] = "UTC"
	}
	return cfg, nil
}

// New connects a pool of at most maxConns connections, keeping minConns open.
func New(ctx context.Context, url string, maxConns, minConns int) (*DB, error) {
	if maxConns < 1 || minConns < 0 || minConns > maxConns {
		return nil, fmt.Errorf("invalid pool size: min %d, max %d", minConns, maxConns)
	}
	cfg, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// HealthCheck pings the pool and fails when every connection is busy.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return err
	}
	st := db.Pool.Stat()
	if st.MaxConns() > 1 && st.AcquiredConns() >= st.MaxConns() {
		return fmt.Errorf("connection pool exhausted (%d/%d in use)", st.AcquiredConns(), st.MaxConns())
	}
	return nil
}
