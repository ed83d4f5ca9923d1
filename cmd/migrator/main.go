package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"clipforge/internal/queue/pgstore"
)

func main() {
	slog.Info("Starting database migrator")

	startupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		slog.Error("DATABASE_DSN is required")
		os.Exit(1)
	}

	retries := 10
	if v := strings.TrimSpace(os.Getenv("DATABASE_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retries = n
		}
	}

	pool, err := pgstore.OpenPool(startupCtx, dsn, retries)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Database pool connection established")

	if err := pgstore.Migrate(startupCtx, pool); err != nil {
		slog.Error("failed to run PostgreSQL migrations", "error", err)
		os.Exit(1)
	}

	slog.Info("Database migrations completed successfully")
}
