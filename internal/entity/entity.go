// Package entity implements the entity/feature/relationship operations:
// the plain CRUD-and-transition surface that sits directly on top of the
// genus registry and the fact store. Nothing here concerns itself with
// actions or processes — those layer on top. Reads fold an entity's facts
// along its branch's parent chain through internal/branch.
package entity

import (
	"context"

	"github.com/farant/smaragda-sub002/internal/branch"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Service is the entity/feature/relationship operation surface.
type Service struct {
	store  store.Store
	genus  *genus.Registry
	branch *branch.Service
}

func New(s store.Store, g *genus.Registry) *Service {
	return &Service{store: s, genus: g, branch: branch.New(s)}
}

// CreateEntity allocates a new entity of genusID on branch, rejecting
// deprecated genera and archived taxonomies, and appends its initial
// status if the genus defines one.
func (s *Service) CreateEntity(ctx context.Context, genusID, branch string) (string, error) {
	def, err := s.genus.Get(ctx, genusID, branch)
	if err != nil {
		return "", err
	}
	if def.Deprecated() {
		return "", kernelerr.New(kernelerr.GenusDeprecated, "genus %q is deprecated", def.Name())
	}
	if err := s.checkTaxonomyNotArchived(ctx, def, branch); err != nil {
		return "", err
	}

	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Storage, err, "allocate entity id")
	}

	var entityID string
	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: genusID, BranchID: branch}); err != nil {
			return err
		}
		if _, err := tx.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, ""); err != nil {
			return err
		}
		if def.InitialState != "" {
			if _, err := tx.AppendFact(ctx, id, branch, types.FactStatusChanged, map[string]any{"status": def.InitialState}, ""); err != nil {
				return err
			}
		}
		entityID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return entityID, nil
}

func (s *Service) checkTaxonomyNotArchived(ctx context.Context, def genus.Def, branch string) error {
	taxonomyID, _ := def.Meta["taxonomy_id"].(string)
	if taxonomyID == "" {
		return nil
	}
	state, err := s.branch.MaterializeOnBranch(ctx, taxonomyID, branch, materializer.DefaultReducer)
	if err != nil {
		return err
	}
	if status, _ := state["status"].(string); status == "archived" {
		return kernelerr.New(kernelerr.TaxonomyArchived, "taxonomy %s is archived", taxonomyID)
	}
	return nil
}

// SetAttribute validates key against entityID's genus and appends
// attribute_set.
func (s *Service) SetAttribute(ctx context.Context, entityID, key string, value any, branch string) error {
	res, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	def, err := s.genus.Get(ctx, res.GenusID, branch)
	if err != nil {
		return err
	}
	attr, ok := def.Attributes[key]
	if !ok {
		return kernelerr.New(kernelerr.UnknownAttribute, "genus %q has no attribute %q", def.Name(), key)
	}
	if err := ValidateAttributeType(attr.Type, value); err != nil {
		return err
	}
	_, err = s.store.AppendFact(ctx, entityID, branch, types.FactAttributeSet, map[string]any{"key": key, "value": value}, "")
	return err
}

// TransitionStatus requires a declared transition from the entity's
// current status to target and appends status_changed.
func (s *Service) TransitionStatus(ctx context.Context, entityID, target, branch string) error {
	res, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	def, err := s.genus.Get(ctx, res.GenusID, branch)
	if err != nil {
		return err
	}
	if _, ok := def.States[target]; !ok {
		return kernelerr.New(kernelerr.InvalidTransition, "genus %q has no state %q", def.Name(), target)
	}

	state, err := s.branch.MaterializeOnBranch(ctx, entityID, branch, materializer.DefaultReducer)
	if err != nil {
		return err
	}
	current, ok := state["status"].(string)
	if !ok {
		return kernelerr.New(kernelerr.InvalidTransition, "entity %s has no current status", entityID)
	}

	if !hasTransition(def.Transitions, current, target) {
		return kernelerr.New(kernelerr.InvalidTransition, "no transition %s -> %s; %s", current, target, genus.TransitionSummary(def.Transitions, current))
	}

	_, err = s.store.AppendFact(ctx, entityID, branch, types.FactStatusChanged, map[string]any{"status": target}, "")
	return err
}

func hasTransition(transitions []genus.Transition, from, to string) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Materialize is a convenience wrapper folding entityID's facts on branch,
// including those inherited along the branch's parent chain, with the
// default reducer. Callers that need genus- or process-specific
// folds use materializer.Materialize directly with the right reducer.
func (s *Service) Materialize(ctx context.Context, entityID, branch string) (types.State, error) {
	return s.branch.MaterializeOnBranch(ctx, entityID, branch, materializer.DefaultReducer)
}

// ValidateAttributeType checks value's runtime shape against t: text maps
// to string, number to any Go numeric type, boolean to bool, filetree to a
// non-nil JSON object (map[string]any).
func ValidateAttributeType(t genus.AttrType, value any) error {
	switch t {
	case genus.AttrText:
		if _, ok := value.(string); !ok {
			return kernelerr.New(kernelerr.TypeMismatch, "expected text, got %T", value)
		}
	case genus.AttrNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return kernelerr.New(kernelerr.TypeMismatch, "expected number, got %T", value)
		}
	case genus.AttrBoolean:
		if _, ok := value.(bool); !ok {
			return kernelerr.New(kernelerr.TypeMismatch, "expected boolean, got %T", value)
		}
	case genus.AttrFiletree:
		m, ok := value.(map[string]any)
		if !ok || m == nil {
			return kernelerr.New(kernelerr.TypeMismatch, "expected filetree object, got %T", value)
		}
	default:
		return kernelerr.New(kernelerr.TypeMismatch, "unknown attribute type %q", t)
	}
	return nil
}
