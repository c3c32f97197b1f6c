package entity

import (
	"context"

	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// CreateFeature validates featureGenusID's parent_genus_name against
// parentID's actual genus, validates attrs up front, and appends
// feature_created, an initial feature_status_changed if the feature genus
// declares states, and one feature_attribute_set per attribute.
func (s *Service) CreateFeature(ctx context.Context, parentID, featureGenusID string, attrs map[string]any, branch string) (string, error) {
	parent, err := s.store.GetEntity(ctx, parentID)
	if err != nil {
		return "", err
	}
	parentDef, err := s.genus.Get(ctx, parent.GenusID, branch)
	if err != nil {
		return "", err
	}
	featureDef, err := s.genus.Get(ctx, featureGenusID, branch)
	if err != nil {
		return "", err
	}
	if parentGenusName, _ := featureDef.Meta["parent_genus_name"].(string); parentGenusName != "" && parentGenusName != parentDef.Name() {
		return "", kernelerr.New(kernelerr.SchemaViolation, "feature genus %q requires parent genus %q, got %q", featureDef.Name(), parentGenusName, parentDef.Name())
	}
	for key, value := range attrs {
		attr, ok := featureDef.Attributes[key]
		if !ok {
			return "", kernelerr.New(kernelerr.UnknownAttribute, "feature genus %q has no attribute %q", featureDef.Name(), key)
		}
		if err := ValidateAttributeType(attr.Type, value); err != nil {
			return "", err
		}
	}
	for name, attr := range featureDef.Attributes {
		if attr.Required {
			if _, present := attrs[name]; !present {
				return "", kernelerr.New(kernelerr.SchemaViolation, "feature genus %q requires attribute %q", featureDef.Name(), name)
			}
		}
	}

	featureID, err := idgen.NewEntityIDNow()
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Storage, err, "allocate feature id")
	}

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.AppendFact(ctx, parentID, branch, types.FactFeatureCreated, map[string]any{"feature_id": featureID, "genus_id": featureGenusID}, ""); err != nil {
			return err
		}
		if featureDef.InitialState != "" {
			if _, err := tx.AppendFact(ctx, parentID, branch, types.FactFeatureStatusChanged, map[string]any{"feature_id": featureID, "status": featureDef.InitialState}, ""); err != nil {
				return err
			}
		}
		for key, value := range attrs {
			if _, err := tx.AppendFact(ctx, parentID, branch, types.FactFeatureAttributeSet, map[string]any{"feature_id": featureID, "key": key, "value": value}, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return featureID, nil
}

// SetFeatureAttribute enforces editable_parent_statuses (when the feature
// genus declares one) before appending feature_attribute_set.
func (s *Service) SetFeatureAttribute(ctx context.Context, parentID, featureID, key string, value any, branch string) error {
	parentState, _, featureDef, err := s.loadFeature(ctx, parentID, featureID, branch)
	if err != nil {
		return err
	}
	if err := checkEditableParentStatus(featureDef, parentState); err != nil {
		return err
	}
	attr, ok := featureDef.Attributes[key]
	if !ok {
		return kernelerr.New(kernelerr.UnknownAttribute, "feature genus %q has no attribute %q", featureDef.Name(), key)
	}
	if err := ValidateAttributeType(attr.Type, value); err != nil {
		return err
	}
	_, err = s.store.AppendFact(ctx, parentID, branch, types.FactFeatureAttributeSet, map[string]any{"feature_id": featureID, "key": key, "value": value}, "")
	return err
}

// TransitionFeatureStatus enforces editable_parent_statuses and requires a
// declared transition on the feature genus's own state machine.
func (s *Service) TransitionFeatureStatus(ctx context.Context, parentID, featureID, target, branch string) error {
	parentState, featureState, featureDef, err := s.loadFeature(ctx, parentID, featureID, branch)
	if err != nil {
		return err
	}
	if err := checkEditableParentStatus(featureDef, parentState); err != nil {
		return err
	}
	if _, ok := featureDef.States[target]; !ok {
		return kernelerr.New(kernelerr.InvalidTransition, "feature genus %q has no state %q", featureDef.Name(), target)
	}
	current, ok := featureState["status"].(string)
	if !ok {
		return kernelerr.New(kernelerr.InvalidTransition, "feature %s has no current status", featureID)
	}
	if !hasTransition(featureDef.Transitions, current, target) {
		return kernelerr.New(kernelerr.InvalidTransition, "no transition %s -> %s; %s", current, target, genus.TransitionSummary(featureDef.Transitions, current))
	}
	_, err = s.store.AppendFact(ctx, parentID, branch, types.FactFeatureStatusChanged, map[string]any{"feature_id": featureID, "status": target}, "")
	return err
}

func (s *Service) loadFeature(ctx context.Context, parentID, featureID, branch string) (types.State, types.State, genus.Def, error) {
	if _, err := s.store.GetEntity(ctx, parentID); err != nil {
		return nil, nil, genus.Def{}, err
	}
	parentState, err := s.branch.MaterializeOnBranch(ctx, parentID, branch, materializer.DefaultReducer)
	if err != nil {
		return nil, nil, genus.Def{}, err
	}

	features, _ := parentState["features"].(map[string]types.State)
	featureState, ok := features[featureID]
	if !ok {
		return nil, nil, genus.Def{}, kernelerr.New(kernelerr.NotFound, "feature %s not found on %s", featureID, parentID)
	}
	featureGenusID, _ := featureState["genus_id"].(string)
	featureDef, err := s.genus.Get(ctx, featureGenusID, branch)
	if err != nil {
		return nil, nil, genus.Def{}, err
	}

	return parentState, featureState, featureDef, nil
}

func checkEditableParentStatus(featureDef genus.Def, parentState types.State) error {
	raw, ok := featureDef.Meta["editable_parent_statuses"]
	if !ok {
		return nil
	}
	allowed := toStringSlice(raw)
	if len(allowed) == 0 {
		return nil
	}
	current, _ := parentState["status"].(string)
	for _, a := range allowed {
		if a == current {
			return nil
		}
	}
	return kernelerr.New(kernelerr.InvalidTransition, "feature genus %q is not editable while parent is %q", featureDef.Name(), current)
}

func toStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
