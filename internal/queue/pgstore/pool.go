package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	openBackoffBase  = 1 * time.Second
	openBackoffScale = 1.618
)

// OpenPool initializes a PostgreSQL connection pool with retry logic. The
// worker frequently starts before the database is ready, so connect and ping
// both retry with a growing backoff.
func OpenPool(ctx context.Context, dsn string, retries int) (*pgxpool.Pool, error) {
	if retries <= 0 {
		retries = 10
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	var pool *pgxpool.Pool
	var lastErr error
	for i := 0; i < retries; i++ {
		if pool, err = pgxpool.NewWithConfig(ctx, cfg); err == nil {
			break
		}
		lastErr = err
		backoff := time.Duration(float64(openBackoffBase) * math.Pow(openBackoffScale, float64(i)))
		slog.Warn("database connect failed, retrying", "host", cfg.ConnConfig.Host, "backoff", backoff, "error", err)
		time.Sleep(backoff)
	}
	if pool == nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retries, lastErr)
	}

	for i := 0; i < retries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			slog.Info("connected to database", "host", cfg.ConnConfig.Host)
			return pool, nil
		}
		lastErr = err
		backoff := time.Duration(float64(openBackoffBase) * math.Pow(openBackoffScale, float64(i)))
		slog.Warn("database ping failed, retrying", "host", cfg.ConnConfig.Host, "backoff", backoff, "error", err)
		time.Sleep(backoff)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to ping database after %d attempts: %w", retries, lastErr)
}
