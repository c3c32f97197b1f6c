// Package store persists entities and facts, allocates fact ids, and
// exposes the raw range reads the materializer and branch/merge layers
// fold. Storage errors are reported as kernelerr.Storage; everything else
// that can go wrong here (a missing row, say) is the caller's mistake.
package store

import (
	"context"

	"github.com/farant/smaragda-sub002/internal/types"
)

// Store is the storage contract every higher layer programs against.
// The concrete implementation is SQLiteStore (sqlite.go); tests may use an
// in-memory SQLite database opened with the same implementation, or a
// hand-written fake satisfying this interface.
type Store interface {
	// CreateEntityRow inserts a new res row. It fails if id collides.
	CreateEntityRow(ctx context.Context, res types.Res) error

	// GetEntity returns the res row for id, or a kernelerr.NotFound error.
	GetEntity(ctx context.Context, id string) (types.Res, error)

	// AppendFact atomically inserts a fact and returns it with its
	// assigned id and timestamp filled in.
	AppendFact(ctx context.Context, resID, branchID string, t types.FactType, data map[string]any, source string) (types.Fact, error)

	// Range returns facts for (resID, branchID) with id > afterID, ascending
	// by id, optionally filtered to types and capped at limit (0 = no cap).
	Range(ctx context.Context, resID, branchID string, afterID int64, types []types.FactType, limit int) ([]types.Fact, error)

	// RangeBranch returns all facts recorded directly on branchID (no
	// entity filter), ascending by id. Used by merge to enumerate what a
	// branch contributed.
	RangeBranch(ctx context.Context, branchID string, afterID int64, limit int) ([]types.Fact, error)

	// DistinctResIDsForBranch returns the set of res ids that have at
	// least one fact recorded directly on branchID.
	DistinctResIDsForBranch(ctx context.Context, branchID string) (map[string]struct{}, error)

	// MaxFactID returns the current value of the global fact id counter,
	// or 0 if no facts exist yet.
	MaxFactID(ctx context.Context) (int64, error)

	// UpsertRelationshipMember inserts or confirms one
	// (relationshipID, role, entityID) membership row for branchID.
	UpsertRelationshipMember(ctx context.Context, relationshipID, role, entityID, branchID string) error

	// RemoveRelationshipMember deletes one membership row.
	RemoveRelationshipMember(ctx context.Context, relationshipID, role, entityID, branchID string) error

	// DeleteRelationshipIndexForBranch removes every relationship_member
	// row recorded on branchID. Used to clear a discarded branch's index
	// entirely.
	DeleteRelationshipIndexForBranch(ctx context.Context, branchID string) error

	// DeleteRelationshipIndexForEntity removes relationship_member rows for
	// one relationship on one branch. Used as the tombstone-cleanup step of
	// merge, scoped to only the relationships a merge actually touched.
	DeleteRelationshipIndexForEntity(ctx context.Context, relationshipID, branchID string) error

	// RelationshipMembers returns role -> member entity ids for a
	// relationship on a branch (index read, not a fact fold).
	RelationshipMembers(ctx context.Context, relationshipID, branchID string) (map[string][]string, error)

	// RelationshipsByMember returns relationship ids that entityID belongs
	// to on branchID, via the index.
	RelationshipsByMember(ctx context.Context, entityID, branchID string) ([]string, error)

	// RecordInput records an audit row for an action push/pull and
	// returns its id.
	RecordInput(ctx context.Context, kind, source string, data map[string]any, branchID string) (int64, error)

	// RecordActionTaken records the result of an execute_action call.
	RecordActionTaken(ctx context.Context, actionGenusID string, inputID int64, resources, params map[string]any, tessellaeIDs []int64, branchID string) (int64, error)

	// GetSyncState reads a sync_state key/value row.
	GetSyncState(ctx context.Context, key string) (string, bool, error)

	// SetSyncState upserts a sync_state key/value row.
	SetSyncState(ctx context.Context, key, value string) error

	// UpsertTemporalAnchor writes or replaces the temporal_anchor index row
	// for a res.
	UpsertTemporalAnchor(ctx context.Context, resID string, startYear int, endYear *int, precision, calendarNote, workspaceID string) error

	// RemoveTemporalAnchor deletes the temporal_anchor index row for a res.
	RemoveTemporalAnchor(ctx context.Context, resID string) error

	// WithTransaction runs fn with a Store backed by a single serialized
	// SQLite transaction (BEGIN IMMEDIATE), retrying transient busy errors.
	// Every method fn calls on the Store it receives participates in the
	// same transaction; fn's returned error rolls the transaction back.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Close() error
}
