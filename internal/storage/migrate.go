package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	migrationLockKey = int64(0x6375726d) // "curm"

	ensureMigrationTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        filename   TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`
	listAppliedMigrationsSQL = `SELECT filename FROM schema_migrations;`
	recordMigrationSQL       = `INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now());`
	migrationLockSQL         = `SELECT pg_advisory_xact_lock($1);`
)

// Migrate applies embedded SQL migrations not yet recorded in schema_migrations, in
// lexicographic order, inside one transaction. The advisory lock is transaction scoped,
// so it is held on the migrating connection and released by commit or rollback. It
// returns the filenames it applied; on error nothing is applied.
func Migrate(ctx context.Context, pool Pool, logger zerolog.Logger) ([]string, error) {
	log := logger.With().Str("component", "migrate").Logger()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin migration: %w", err)
	}

	done, err := applyMigrations(ctx, tx, log)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return nil, errors.Join(err, fmt.Errorf("rollback migration: %w", rbErr))
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit migration: %w", err)
	}
	return done, nil
}

func applyMigrations(ctx context.Context, q querier, log zerolog.Logger) ([]string, error) {
	if _, err := q.Exec(ctx, migrationLockSQL, migrationLockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	if _, err := q.Exec(ctx, ensureMigrationTableSQL); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return nil, err
	}

	applied, err := appliedMigrations(ctx, q)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, name := range names {
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		log.Info().Str("file", name).Msg("applying migration")
		if _, err := q.Exec(ctx, string(data)); err != nil {
			return nil, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := q.Exec(ctx, recordMigrationSQL, name); err != nil {
			return nil, fmt.Errorf("record migration %s: %w", name, err)
		}
		done = append(done, name)
	}
	return done, nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func appliedMigrations(ctx context.Context, q querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, listAppliedMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
