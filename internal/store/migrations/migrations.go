// Package migrations applies the kernel's schema in small, idempotent
// steps, one function per file, tracked by version in schema_migrations.
// This mirrors the teacher's numbered-migration convention
// (internal/storage/sqlite/migrations), minus per-deploy version skew
// concerns: this kernel always applies every migration it ships with.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migration pairs a monotonic version with the function that applies it.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, db *sql.DB) error
}

var registry = []migration{
	{1, "initial_schema", migrateInitialSchema},
}

// Apply runs every migration whose version is not yet recorded in
// schema_migrations, in version order. Each migration runs directly
// against db, not inside a transaction; its statements use IF NOT EXISTS,
// so one that stopped partway through is simply run again.
func Apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range registry {
		applied, err := isApplied(ctx, db, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func isApplied(ctx context.Context, db *sql.DB, version int) (bool, error) {
	row := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, version)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return true, nil
}
