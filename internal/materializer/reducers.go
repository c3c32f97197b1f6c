package materializer

import "github.com/farant/smaragda-sub002/internal/types"

// DefaultReducer is the fold used for plain entities (and, recursively,
// for the features embedded in their stream). It recognizes the fact
// types enumerated in spec §4.2; anything else passes through unchanged
// by leaving state untouched (forward compatibility).
func DefaultReducer(state types.State, f types.Fact) types.State {
	switch f.Type {
	case types.FactCreated:
		// A fresh created fact resets the fold, matching "created (reset)"
		// in spec §4.2. This only matters for branch-chain folds where a
		// re-created id would be a bug, but the reducer stays defensive.
		return types.State{}

	case types.FactAttributeSet:
		next := state.Clone()
		if key, ok := str(f.Data, "key"); ok {
			next[key] = f.Data["value"]
		}
		return next

	case types.FactAttributeRemoved:
		next := state.Clone()
		if key, ok := str(f.Data, "key"); ok {
			delete(next, key)
		}
		return next

	case types.FactStatusChanged:
		next := state.Clone()
		if status, ok := str(f.Data, "status"); ok {
			next["status"] = status
		}
		return next

	case types.FactFeatureCreated:
		return withFeature(state, f, func(feat types.State) types.State {
			feat["genus_id"], _ = str(f.Data, "genus_id")
			if attrs, ok := f.Data["attributes"].(map[string]any); ok {
				for k, v := range attrs {
					feat[k] = v
				}
			}
			return feat
		})

	case types.FactFeatureAttributeSet:
		return withFeature(state, f, func(feat types.State) types.State {
			if key, ok := str(f.Data, "key"); ok {
				feat[key] = f.Data["value"]
			}
			return feat
		})

	case types.FactFeatureStatusChanged:
		return withFeature(state, f, func(feat types.State) types.State {
			if status, ok := str(f.Data, "status"); ok {
				feat["status"] = status
			}
			return feat
		})

	case types.FactMemberAdded:
		return withMembers(state, f, func(members []string, entityID string) []string {
			for _, m := range members {
				if m == entityID {
					return members
				}
			}
			return append(members, entityID)
		})

	case types.FactMemberRemoved:
		return withMembers(state, f, func(members []string, entityID string) []string {
			out := members[:0:0]
			for _, m := range members {
				if m != entityID {
					out = append(out, m)
				}
			}
			return out
		})

	case types.FactTemporalAnchorSet:
		next := state.Clone()
		next["temporal_anchor"] = f.Data
		return next

	case types.FactTemporalAnchorRemoved:
		next := state.Clone()
		delete(next, "temporal_anchor")
		return next

	default:
		return state
	}
}

// withFeature reads data["feature_id"], locates (or creates) that
// feature's sub-state under state["features"], applies mutate, and writes
// it back. Feature ids are opaque strings minted by internal/entity.
func withFeature(state types.State, f types.Fact, mutate func(types.State) types.State) types.State {
	featureID, ok := str(f.Data, "feature_id")
	if !ok {
		return state
	}
	next := state.Clone()
	features, _ := next["features"].(map[string]types.State)
	if features == nil {
		features = map[string]types.State{}
	} else {
		cloned := make(map[string]types.State, len(features))
		for k, v := range features {
			cloned[k] = v
		}
		features = cloned
	}
	feat := features[featureID]
	if feat == nil {
		feat = types.State{}
	}
	features[featureID] = mutate(feat.Clone())
	next["features"] = features
	return next
}

// withMembers reads data["role"] and data["entity_id"], applies mutate to
// the role's member list under state["members"], and writes it back.
func withMembers(state types.State, f types.Fact, mutate func([]string, string) []string) types.State {
	role, ok := str(f.Data, "role")
	if !ok {
		return state
	}
	entityID, ok := str(f.Data, "entity_id")
	if !ok {
		return state
	}
	next := state.Clone()
	membersAny, _ := next["members"].(map[string][]string)
	members := map[string][]string{}
	for k, v := range membersAny {
		members[k] = v
	}
	members[role] = mutate(members[role], entityID)
	next["members"] = members
	return next
}

func str(data map[string]any, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
