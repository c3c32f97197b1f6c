// Package branch implements copy-on-branch timelines: creating a branch,
// collecting an entity's branch-aware fact stream (the parent-chain
// fold), detecting conflicts between two branches, and merging one into
// another with a denormalized-index rebuild.
package branch

import (
	"context"
	"sort"

	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Service manages branch entities, all of which live on "main" under the
// Branch sentinel genus.
type Service struct {
	store store.Store
	genus *genus.Registry
}

func New(s store.Store) *Service {
	return &Service{store: s, genus: genus.New(s)}
}

// Info is a branch entity's materialized state, pulled out of the raw
// types.State map for callers that just need the fields.
type Info struct {
	ID          string
	Name        string
	Parent      string
	BranchPoint int64
	Status      string
}

// CreateBranch records the current max fact id as the new branch's
// branch point and appends its branch entity on "main".
func (s *Service) CreateBranch(ctx context.Context, name, parent string) (string, error) {
	if name == "" || name == types.MainBranch {
		return "", kernelerr.New(kernelerr.ValidationError, "branch name %q is invalid", name)
	}
	if parent == "" {
		parent = types.MainBranch
	}
	if _, err := s.resolve(ctx, parent); err != nil {
		return "", err
	}
	if _, err := s.resolve(ctx, name); err == nil {
		return "", kernelerr.New(kernelerr.ValidationError, "branch %q already exists", name)
	} else if !kernelerr.Of(err, kernelerr.BranchUnknown) {
		return "", err
	}

	branchPoint, err := s.store.MaxFactID(ctx)
	if err != nil {
		return "", err
	}

	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Storage, err, "allocate branch id")
	}

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: idgen.SentinelID(genus.SentinelBranch), BranchID: types.MainBranch}); err != nil {
			return err
		}
		if _, err := tx.AppendFact(ctx, id, types.MainBranch, types.FactCreated, map[string]any{}, ""); err != nil {
			return err
		}
		for key, value := range map[string]any{"name": name, "parent": parent, "branch_point": branchPoint} {
			if _, err := tx.AppendFact(ctx, id, types.MainBranch, types.FactAttributeSet, map[string]any{"key": key, "value": value}, ""); err != nil {
				return err
			}
		}
		_, err := tx.AppendFact(ctx, id, types.MainBranch, types.FactStatusChanged, map[string]any{"status": "active"}, "")
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DiscardBranch transitions a branch entity to discarded and clears its
// relationship-membership index, since a discarded branch's facts are no
// longer read by anything. Irreversible.
func (s *Service) DiscardBranch(ctx context.Context, name string) error {
	info, err := s.resolve(ctx, name)
	if err != nil {
		return err
	}
	return s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.AppendFact(ctx, info.ID, types.MainBranch, types.FactStatusChanged, map[string]any{"status": "discarded"}, ""); err != nil {
			return err
		}
		return tx.DeleteRelationshipIndexForBranch(ctx, name)
	})
}

// resolve looks up a branch by name. "main" is handled as a synthetic
// branch with branch_point 0 and no backing entity, matching spec's
// description of the implicit root timeline.
func (s *Service) resolve(ctx context.Context, name string) (Info, error) {
	if name == types.MainBranch {
		return Info{Name: types.MainBranch, Status: "active"}, nil
	}

	ids, err := s.store.DistinctResIDsForBranch(ctx, types.MainBranch)
	if err != nil {
		return Info{}, err
	}
	branchGenusID := idgen.SentinelID(genus.SentinelBranch)
	for id := range ids {
		res, err := s.store.GetEntity(ctx, id)
		if err != nil || res.GenusID != branchGenusID {
			continue
		}
		facts, err := s.store.Range(ctx, id, types.MainBranch, 0, nil, 0)
		if err != nil {
			return Info{}, err
		}
		state := materializer.Materialize(facts, materializer.DefaultReducer)
		if n, _ := state["name"].(string); n == name {
			return infoFromState(id, state), nil
		}
	}
	return Info{}, kernelerr.New(kernelerr.BranchUnknown, "branch %q not found", name)
}

func infoFromState(id string, state types.State) Info {
	info := Info{ID: id}
	info.Name, _ = state["name"].(string)
	info.Parent, _ = state["parent"].(string)
	info.Status, _ = state["status"].(string)
	switch bp := state["branch_point"].(type) {
	case int64:
		info.BranchPoint = bp
	case int:
		info.BranchPoint = int64(bp)
	case float64:
		info.BranchPoint = int64(bp)
	}
	return info
}

// chain walks from branchName up to (but excluding) "main", returning
// the ancestors in target-to-root order.
func (s *Service) chain(ctx context.Context, branchName string) ([]Info, error) {
	var out []Info
	cur := branchName
	seen := map[string]bool{}
	for cur != types.MainBranch {
		if seen[cur] {
			return nil, kernelerr.New(kernelerr.ValidationError, "branch parent cycle detected at %q", cur)
		}
		seen[cur] = true
		info, err := s.resolve(ctx, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
		cur = info.Parent
		if cur == "" {
			cur = types.MainBranch
		}
	}
	return out, nil
}

// CollectEntityFacts is _collect_branch_tessellae specialized to one
// entity: the branch-aware materialization input. For "main" it is just
// that entity's own stream; for any other branch it unions the target
// branch's own facts, every intermediate ancestor's facts, and "main"'s
// facts up to the earliest ancestor's branch point, sorted by id (the
// sole authoritative order).
func (s *Service) CollectEntityFacts(ctx context.Context, resID, branchName string) ([]types.Fact, error) {
	if branchName == types.MainBranch {
		return s.store.Range(ctx, resID, types.MainBranch, 0, nil, 0)
	}

	ancestry, err := s.chain(ctx, branchName)
	if err != nil {
		return nil, err
	}

	earliest := ancestry[len(ancestry)-1].BranchPoint
	for _, a := range ancestry {
		if a.BranchPoint < earliest {
			earliest = a.BranchPoint
		}
	}

	mainFacts, err := s.store.Range(ctx, resID, types.MainBranch, 0, nil, 0)
	if err != nil {
		return nil, err
	}
	var all []types.Fact
	for _, f := range mainFacts {
		if f.ID <= earliest {
			all = append(all, f)
		}
	}

	for _, a := range ancestry {
		facts, err := s.store.Range(ctx, resID, a.Name, 0, nil, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, facts...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// MaterializeOnBranch folds CollectEntityFacts through reducer — the
// branch-aware counterpart to calling materializer.Materialize directly
// on a single-branch Range read.
func (s *Service) MaterializeOnBranch(ctx context.Context, resID, branchName string, reducer materializer.Reducer) (types.State, error) {
	facts, err := s.CollectEntityFacts(ctx, resID, branchName)
	if err != nil {
		return nil, err
	}
	return materializer.Materialize(facts, reducer), nil
}

// Conflict is one entity touched on both branches after the source
// branch's point: both states are surfaced so the caller can decide.
type Conflict struct {
	ResID       string
	GenusName   string
	SourceState types.State
	TargetState types.State
}

// DetectConflicts reports every entity that has a fact on source and
// also has a fact on target with id greater than source's branch point
// (i.e. target moved on, independently, after the fork).
func (s *Service) DetectConflicts(ctx context.Context, source, target string) ([]Conflict, error) {
	sourceInfo, err := s.resolve(ctx, source)
	if err != nil {
		return nil, err
	}

	sourceIDs, err := s.store.DistinctResIDsForBranch(ctx, source)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for resID := range sourceIDs {
		targetFacts, err := s.store.Range(ctx, resID, target, sourceInfo.BranchPoint, nil, 0)
		if err != nil {
			return nil, err
		}
		if len(targetFacts) == 0 {
			continue
		}

		sourceState, err := s.MaterializeOnBranch(ctx, resID, source, materializer.DefaultReducer)
		if err != nil {
			return nil, err
		}
		targetState, err := s.MaterializeOnBranch(ctx, resID, target, materializer.DefaultReducer)
		if err != nil {
			return nil, err
		}
		res, err := s.store.GetEntity(ctx, resID)
		if err != nil {
			return nil, err
		}
		genusName := res.GenusID
		if def, err := s.genus.Get(ctx, res.GenusID, target); err == nil {
			genusName = def.Name()
		}
		conflicts = append(conflicts, Conflict{
			ResID: resID, GenusName: genusName,
			SourceState: sourceState, TargetState: targetState,
		})
	}
	return conflicts, nil
}

// MergeResult reports the outcome of merge_branch. New fact ids are
// reassigned by the monotonic counter and timestamps are the time of the
// merge (only payloads are preserved); id-bounded materialization on the target branch after a
// merge cannot recover pre-merge state from those new ids alone.
type MergeResult struct {
	Merged          bool
	TessellaeCopied int
}

// MergeBranch copies every fact recorded directly on source onto target
// (new ids, source tag "merge:<source>"), then
// rebuilds the relationship-membership index for every entity touched,
// then transitions source to merged. Unless force is true, it first
// requires DetectConflicts to be empty.
func (s *Service) MergeBranch(ctx context.Context, source, target string, force bool) (MergeResult, error) {
	if target == "" {
		target = types.MainBranch
	}
	sourceInfo, err := s.resolve(ctx, source)
	if err != nil {
		return MergeResult{}, err
	}

	if !force {
		conflicts, err := s.DetectConflicts(ctx, source, target)
		if err != nil {
			return MergeResult{}, err
		}
		if len(conflicts) > 0 {
			return MergeResult{}, kernelerr.New(kernelerr.MergeConflict, "%d entities conflict between %q and %q", len(conflicts), source, target)
		}
	}

	sourceFacts, err := s.store.RangeBranch(ctx, source, 0, 0)
	if err != nil {
		return MergeResult{}, err
	}
	sort.Slice(sourceFacts, func(i, j int) bool { return sourceFacts[i].ID < sourceFacts[j].ID })

	touched := map[string]struct{}{}
	sourceTag := "merge:" + source

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		for _, f := range sourceFacts {
			if _, err := tx.AppendFact(ctx, f.ResID, target, f.Type, f.Data, sourceTag); err != nil {
				return err
			}
			touched[f.ResID] = struct{}{}
		}

		for resID := range touched {
			if err := tx.DeleteRelationshipIndexForEntity(ctx, resID, target); err != nil {
				return err
			}
			if err := rebuildRelationshipIndex(ctx, tx, resID, target); err != nil {
				return err
			}
		}

		_, err := tx.AppendFact(ctx, sourceInfo.ID, types.MainBranch, types.FactStatusChanged, map[string]any{"status": "merged"}, "")
		return err
	})
	if err != nil {
		return MergeResult{}, err
	}

	return MergeResult{Merged: true, TessellaeCopied: len(sourceFacts)}, nil
}

// rebuildRelationshipIndex re-derives resID's relationship_member rows
// on branch from its materialized member state, if it has any (a
// relationship entity materializes a "members" map; a plain entity
// does not and is skipped). Archived relationships become tombstones
// (no rows re-inserted, matching the cleanup-first pass).
func rebuildRelationshipIndex(ctx context.Context, tx store.Store, resID, branch string) error {
	facts, err := tx.Range(ctx, resID, branch, 0, nil, 0)
	if err != nil {
		return err
	}
	state := materializer.Materialize(facts, materializer.DefaultReducer)
	members, ok := state["members"].(map[string][]string)
	if !ok {
		return nil
	}
	if status, _ := state["status"].(string); status == "archived" {
		return nil
	}
	for role, entityIDs := range members {
		for _, entityID := range entityIDs {
			if err := tx.UpsertRelationshipMember(ctx, resID, role, entityID, branch); err != nil {
				return err
			}
		}
	}
	return nil
}
