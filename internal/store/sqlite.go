package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/observability"
	"github.com/farant/smaragda-sub002/internal/store/migrations"
	"github.com/farant/smaragda-sub002/internal/types"
)

// dbtx is the subset of *sql.DB / *sql.Conn every query in this package
// needs. Parameterizing queries over it is what lets the same method
// bodies run against either the pooled *sql.DB (autocommit reads/single
// writes) or the dedicated *sql.Conn holding WithTransaction's open
// BEGIN IMMEDIATE transaction, matching the sqlc-style DBTX convention.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every Store read/write method against whatever dbtx
// it's handed. It is embedded by both SQLiteStore (db-backed) and txHandle
// (backed by the transaction's connection).
type queries struct {
	q dbtx
}

// SQLiteStore is the only Store implementation. It opens its database in
// WAL mode over the pure-Go ncruces/go-sqlite3 driver (no cgo).
type SQLiteStore struct {
	queries
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and applies
// any pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "open sqlite database %s", path)
	}
	db.SetMaxOpenConns(1) // single-writer model, §5: external callers serialize access

	if err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "apply migrations")
	}

	return &SQLiteStore{queries: queries{q: db}, db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTransaction acquires a dedicated connection, begins an IMMEDIATE
// transaction (retrying transient busy errors), runs fn against a Store
// backed by that transaction, and commits or rolls back based on fn's
// result.
func (s *SQLiteStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "acquire connection")
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "begin transaction")
	}

	th := &txHandle{queries: queries{q: conn}}
	if err := fn(ctx, th); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			return kernelerr.Wrap(kernelerr.Storage, errors.Join(err, rbErr), "rollback after error")
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "commit transaction")
	}
	return nil
}

// txHandle is the Store handed to WithTransaction's callback. It shares
// the surrounding connection's transaction; a nested WithTransaction call
// runs its callback inline in that same transaction.
type txHandle struct {
	queries
}

func (t *txHandle) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t) // flatten: already inside a transaction
}

func (t *txHandle) Close() error { return nil } // lifecycle owned by the enclosing WithTransaction

// --- queries ---

func (qs queries) CreateEntityRow(ctx context.Context, res types.Res) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO res (id, genus_id, branch_id, workspace_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		res.ID, res.GenusID, res.BranchID, nullIfEmpty(res.WorkspaceID), res.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "create entity row %s", res.ID)
	}
	return nil
}

func (qs queries) GetEntity(ctx context.Context, id string) (types.Res, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT id, genus_id, branch_id, workspace_id, created_at FROM res WHERE id = ?`, id)
	var res types.Res
	var workspaceID sql.NullString
	var createdAt string
	if err := row.Scan(&res.ID, &res.GenusID, &res.BranchID, &workspaceID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Res{}, kernelerr.New(kernelerr.NotFound, "entity %s not found", id)
		}
		return types.Res{}, kernelerr.Wrap(kernelerr.Storage, err, "get entity %s", id)
	}
	res.WorkspaceID = workspaceID.String
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return types.Res{}, kernelerr.Wrap(kernelerr.Storage, err, "parse created_at for %s", id)
	}
	res.CreatedAt = t
	return res, nil
}

func (qs queries) AppendFact(ctx context.Context, resID, branchID string, t types.FactType, data map[string]any, source string) (types.Fact, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return types.Fact{}, kernelerr.Wrap(kernelerr.Storage, err, "marshal fact payload")
	}
	now := time.Now().UTC()

	result, err := qs.q.ExecContext(ctx, `
		INSERT INTO tessella (res_id, branch_id, type, data, created_at, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		resID, branchID, string(t), string(payload), now.Format(time.RFC3339Nano), nullIfEmpty(source))
	if err != nil {
		return types.Fact{}, kernelerr.Wrap(kernelerr.Storage, err, "append fact to %s", resID)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return types.Fact{}, kernelerr.Wrap(kernelerr.Storage, err, "read assigned fact id")
	}
	observability.Metrics.FactsAppended.Add(ctx, 1)

	return types.Fact{
		ID:        id,
		ResID:     resID,
		BranchID:  branchID,
		Type:      t,
		Data:      data,
		CreatedAt: now,
		Source:    source,
	}, nil
}

func (qs queries) Range(ctx context.Context, resID, branchID string, afterID int64, wantTypes []types.FactType, limit int) ([]types.Fact, error) {
	query := `SELECT id, res_id, branch_id, type, data, created_at, source FROM tessella
		WHERE res_id = ? AND branch_id = ? AND id > ?`
	args := []any{resID, branchID, afterID}

	if len(wantTypes) > 0 {
		query += " AND type IN (" + placeholders(len(wantTypes)) + ")"
		for _, t := range wantTypes {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "range facts for %s", resID)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (qs queries) RangeBranch(ctx context.Context, branchID string, afterID int64, limit int) ([]types.Fact, error) {
	query := `SELECT id, res_id, branch_id, type, data, created_at, source FROM tessella
		WHERE branch_id = ? AND id > ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := qs.q.QueryContext(ctx, query, branchID, afterID)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "range branch %s", branchID)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (qs queries) DistinctResIDsForBranch(ctx context.Context, branchID string) (map[string]struct{}, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT DISTINCT res_id FROM tessella WHERE branch_id = ?`, branchID)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "distinct entities for branch %s", branchID)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Storage, err, "scan res id")
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (qs queries) MaxFactID(ctx context.Context) (int64, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM tessella`)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "max fact id")
	}
	return max, nil
}

func (qs queries) UpsertRelationshipMember(ctx context.Context, relationshipID, role, entityID, branchID string) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO relationship_member (relationship_id, role, entity_id, branch_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(relationship_id, role, entity_id, branch_id) DO NOTHING`,
		relationshipID, role, entityID, branchID)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "upsert relationship member")
	}
	return nil
}

func (qs queries) RemoveRelationshipMember(ctx context.Context, relationshipID, role, entityID, branchID string) error {
	_, err := qs.q.ExecContext(ctx, `
		DELETE FROM relationship_member WHERE relationship_id = ? AND role = ? AND entity_id = ? AND branch_id = ?`,
		relationshipID, role, entityID, branchID)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "remove relationship member")
	}
	return nil
}

func (qs queries) DeleteRelationshipIndexForBranch(ctx context.Context, branchID string) error {
	_, err := qs.q.ExecContext(ctx, `DELETE FROM relationship_member WHERE branch_id = ?`, branchID)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "delete relationship index for branch %s", branchID)
	}
	return nil
}

func (qs queries) DeleteRelationshipIndexForEntity(ctx context.Context, relationshipID, branchID string) error {
	_, err := qs.q.ExecContext(ctx, `DELETE FROM relationship_member WHERE relationship_id = ? AND branch_id = ?`, relationshipID, branchID)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "delete relationship index for entity %s on %s", relationshipID, branchID)
	}
	return nil
}

func (qs queries) RelationshipMembers(ctx context.Context, relationshipID, branchID string) (map[string][]string, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT role, entity_id FROM relationship_member WHERE relationship_id = ? AND branch_id = ? ORDER BY role, entity_id`,
		relationshipID, branchID)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "relationship members")
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var role, entityID string
		if err := rows.Scan(&role, &entityID); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Storage, err, "scan relationship member")
		}
		out[role] = append(out[role], entityID)
	}
	return out, rows.Err()
}

func (qs queries) RelationshipsByMember(ctx context.Context, entityID, branchID string) ([]string, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT DISTINCT relationship_id FROM relationship_member WHERE entity_id = ? AND branch_id = ?`,
		entityID, branchID)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "relationships by member")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Storage, err, "scan relationship id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (qs queries) RecordInput(ctx context.Context, kind, source string, data map[string]any, branchID string) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "marshal input data")
	}
	result, err := qs.q.ExecContext(ctx, `
		INSERT INTO input (type, source, data, branch_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, nullIfEmpty(source), string(payload), branchID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "record input")
	}
	return result.LastInsertId()
}

func (qs queries) RecordActionTaken(ctx context.Context, actionGenusID string, inputID int64, resources, params map[string]any, tessellaeIDs []int64, branchID string) (int64, error) {
	resourcesJSON, err := json.Marshal(resources)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "marshal resources")
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "marshal params")
	}
	idsJSON, err := json.Marshal(tessellaeIDs)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "marshal tessellae ids")
	}

	result, err := qs.q.ExecContext(ctx, `
		INSERT INTO action_taken (action_genus_id, input_id, resources, params, tessellae_ids, branch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		actionGenusID, inputID, string(resourcesJSON), string(paramsJSON), string(idsJSON), branchID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "record action taken")
	}
	return result.LastInsertId()
}

func (qs queries) GetSyncState(ctx context.Context, key string) (string, bool, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, kernelerr.Wrap(kernelerr.Storage, err, "get sync state %s", key)
	}
	return value, true, nil
}

func (qs queries) SetSyncState(ctx context.Context, key, value string) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "set sync state %s", key)
	}
	return nil
}

func (qs queries) UpsertTemporalAnchor(ctx context.Context, resID string, startYear int, endYear *int, precision, calendarNote, workspaceID string) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO temporal_anchor (res_id, start_year, end_year, precision, calendar_note, workspace_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(res_id) DO UPDATE SET
			start_year = excluded.start_year,
			end_year = excluded.end_year,
			precision = excluded.precision,
			calendar_note = excluded.calendar_note,
			workspace_id = excluded.workspace_id`,
		resID, startYear, nullIfNilInt(endYear), precision, nullIfEmpty(calendarNote), nullIfEmpty(workspaceID))
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "upsert temporal anchor for %s", resID)
	}
	return nil
}

func (qs queries) RemoveTemporalAnchor(ctx context.Context, resID string) error {
	_, err := qs.q.ExecContext(ctx, `DELETE FROM temporal_anchor WHERE res_id = ?`, resID)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Storage, err, "remove temporal anchor for %s", resID)
	}
	return nil
}

// --- scan helpers ---

func scanFacts(rows *sql.Rows) ([]types.Fact, error) {
	var out []types.Fact
	for rows.Next() {
		var f types.Fact
		var typeStr, dataStr, createdAt string
		var source sql.NullString
		if err := rows.Scan(&f.ID, &f.ResID, &f.BranchID, &typeStr, &dataStr, &createdAt, &source); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Storage, err, "scan fact")
		}
		f.Type = types.FactType(typeStr)
		f.Source = source.String

		if dataStr != "" {
			if err := json.Unmarshal([]byte(dataStr), &f.Data); err != nil {
				return nil, kernelerr.Wrap(kernelerr.Storage, err, "unmarshal fact %d payload", f.ID)
			}
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.Storage, err, "parse fact %d created_at", f.ID)
		}
		f.CreatedAt = t
		out = append(out, f)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNilInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
