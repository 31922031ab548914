package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/store/migrations"
)

// migrationLockID is the advisory lock key held while migrations run.
const migrationLockID int64 = 0x68696d61

// Migrate applies every embedded *.up.sql file not yet recorded in schema_migrations.
// It returns the number of files applied.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (int, error) {
	return migrateFS(ctx, pool, migrations.FS, logger)
}

func migrateFS(ctx context.Context, pool *pgxpool.Pool, files fs.FS, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	names, err := fs.Glob(files, "*.up.sql")
	if err != nil {
		return 0, err
	}
	sort.Strings(names)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			logger.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied := 0
	for _, name := range names {
		version := strings.TrimSuffix(name, ".up.sql")

		var exists bool
		if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&exists); err != nil {
			return applied, err
		}
		if exists {
			continue
		}

		body, err := fs.ReadFile(files, name)
		if err != nil {
			return applied, err
		}

		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		logger.Info("applied migration", zap.String("version", version))
		applied++
	}
	return applied, nil
}
