package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migrateInitialSchema creates the tables listed in spec §6: res, tessella,
// input, action_taken, relationship_member, sync_state, serialization_run,
// temporal_anchor, plus the indexes the spec calls out by name.
func migrateInitialSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS res (
			id TEXT PRIMARY KEY,
			genus_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			workspace_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_res_genus ON res(genus_id)`,
		`CREATE INDEX IF NOT EXISTS idx_res_workspace ON res(workspace_id)`,

		`CREATE TABLE IF NOT EXISTS tessella (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			res_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			source TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tessella_res_branch_id ON tessella(res_id, branch_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_tessella_branch_id ON tessella(branch_id, id)`,

		`CREATE TABLE IF NOT EXISTS input (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			source TEXT,
			data TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS action_taken (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action_genus_id TEXT NOT NULL,
			input_id INTEGER NOT NULL,
			resources TEXT NOT NULL,
			params TEXT NOT NULL,
			tessellae_ids TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS relationship_member (
			relationship_id TEXT NOT NULL,
			role TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			PRIMARY KEY (relationship_id, role, entity_id, branch_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationship_member_entity ON relationship_member(entity_id, branch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationship_member_rel ON relationship_member(relationship_id, branch_id)`,

		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS serialization_run (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_genus_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			entity_ids TEXT NOT NULL,
			output_path TEXT,
			tessellae_created INTEGER NOT NULL DEFAULT 0,
			branch_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS temporal_anchor (
			res_id TEXT PRIMARY KEY,
			start_year INTEGER NOT NULL,
			end_year INTEGER,
			precision TEXT NOT NULL,
			calendar_note TEXT,
			workspace_id TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
