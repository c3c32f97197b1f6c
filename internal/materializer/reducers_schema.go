package materializer

import "github.com/farant/smaragda-sub002/internal/types"

// GenusReducer folds a genus-definition entity's facts into the shape
// internal/genus.Def expects: attributes/states/transitions/roles/meta,
// plus, when the genus kind is action or process, the action- and
// process-specific facts too (a genus is one entity regardless of kind).
func GenusReducer(state types.State, f types.Fact) types.State {
	switch f.Type {
	case types.FactGenusMetaSet:
		next := state.Clone()
		meta, _ := next["meta"].(map[string]any)
		meta = cloneAnyMap(meta)
		if key, ok := str(f.Data, "key"); ok {
			meta[key] = f.Data["value"]
		}
		next["meta"] = meta
		return next

	case types.FactGenusAttributeDef:
		return withNamedMap(state, "attributes", f.Data)

	case types.FactGenusStateDef:
		return withNamedMap(state, "states", f.Data)

	case types.FactGenusTransitionDef:
		next := state.Clone()
		transitions, _ := next["transitions"].([]map[string]any)
		transitions = append(append([]map[string]any{}, transitions...), f.Data)
		next["transitions"] = transitions
		return next

	case types.FactGenusRoleDef:
		return withNamedMap(state, "roles", f.Data)

	case types.FactActionResourceDef:
		return withNamedMap(state, "resources", f.Data)

	case types.FactActionParameterDef:
		return withNamedMap(state, "parameters", f.Data)

	case types.FactActionHandlerDef:
		next := state.Clone()
		handler, _ := next["handler"].([]map[string]any)
		next["handler"] = append(append([]map[string]any{}, handler...), f.Data)
		return next

	case types.FactProcessLaneDef:
		next := state.Clone()
		lanes, _ := next["lanes"].([]map[string]any)
		next["lanes"] = append(append([]map[string]any{}, lanes...), f.Data)
		return next

	case types.FactProcessStepDef:
		next := state.Clone()
		steps, _ := next["steps"].([]map[string]any)
		next["steps"] = append(append([]map[string]any{}, steps...), f.Data)
		return next

	case types.FactProcessTriggerDef:
		next := state.Clone()
		triggers, _ := next["triggers"].([]map[string]any)
		next["triggers"] = append(append([]map[string]any{}, triggers...), f.Data)
		return next

	case types.FactSerializationInputDef:
		return withNamedMap(state, "serialization_inputs", f.Data)

	case types.FactSerializationOutputDef:
		return withNamedMap(state, "serialization_outputs", f.Data)

	case types.FactSerializationHandlerDef:
		next := state.Clone()
		handler, _ := next["serialization_handler"].([]map[string]any)
		next["serialization_handler"] = append(append([]map[string]any{}, handler...), f.Data)
		return next

	default:
		return state
	}
}

// withNamedMap reads data["name"] and stores data["definition"] (or, if
// absent, the whole data payload minus "name") under state[section][name].
// Used for the attribute/state/role/resource/parameter facts, which all
// share the "one name, one definition blob" shape.
func withNamedMap(state types.State, section string, data map[string]any) types.State {
	name, ok := str(data, "name")
	if !ok {
		return state
	}
	next := state.Clone()
	sectionMap, _ := next[section].(map[string]any)
	sectionMap = cloneAnyMap(sectionMap)

	def, hasDef := data["definition"]
	if !hasDef {
		stripped := map[string]any{}
		for k, v := range data {
			if k != "name" {
				stripped[k] = v
			}
		}
		def = stripped
	}
	sectionMap[name] = def
	next[section] = sectionMap
	return next
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ActionReducer is an alias: an action genus is materialized exactly like
// any other genus (its kind is carried in meta.kind); action-specific
// interpretation (token substitution, side effect dispatch) happens in
// internal/action, not in the fold.
var ActionReducer = GenusReducer

// ProcessReducer is likewise an alias: process genus definitions fold the
// same way as any genus; the scheduler in internal/process interprets the
// materialized lanes/steps/triggers.
var ProcessReducer = GenusReducer

// SerializationReducer is likewise an alias for serialization genus
// definitions.
var SerializationReducer = GenusReducer

// ProcessInstanceReducer folds a process instance's own fact stream (NOT
// its genus's) into {status, steps: {name: {status, task_id, ...}}}.
func ProcessInstanceReducer(state types.State, f types.Fact) types.State {
	switch f.Type {
	case types.FactProcessStarted:
		next := types.State{"status": "running", "steps": map[string]types.State{}}
		if contextResID, ok := str(f.Data, "context_res_id"); ok {
			next["context_res_id"] = contextResID
		}
		return next

	case types.FactStepActivated:
		return withStep(state, f, func(step types.State) types.State {
			step["status"] = "active"
			if ts, ok := f.Data["started_at"]; ok {
				step["started_at"] = ts
			}
			return step
		})

	case types.FactStepCompleted:
		return withStep(state, f, func(step types.State) types.State {
			step["status"] = "completed"
			if ts, ok := f.Data["completed_at"]; ok {
				step["completed_at"] = ts
			}
			if result, ok := f.Data["result"]; ok {
				step["result"] = result
			}
			return step
		})

	case types.FactStepFailed:
		return withStep(state, f, func(step types.State) types.State {
			step["status"] = "failed"
			if result, ok := f.Data["result"]; ok {
				step["result"] = result
			}
			return step
		})

	case types.FactStepSkipped:
		return withStep(state, f, func(step types.State) types.State {
			step["status"] = "skipped"
			return step
		})

	case types.FactStepTaskCreated:
		return withStep(state, f, func(step types.State) types.State {
			if taskID, ok := str(f.Data, "task_id"); ok {
				step["task_id"] = taskID
			}
			return step
		})

	case types.FactStepActionRun:
		return withStep(state, f, func(step types.State) types.State {
			if actionTakenID, ok := f.Data["action_taken_id"]; ok {
				step["action_taken_id"] = actionTakenID
			}
			return step
		})

	case types.FactGateEvaluated:
		return withStep(state, f, func(step types.State) types.State {
			return step
		})

	case types.FactProcessCompleted:
		next := state.Clone()
		next["status"] = "completed"
		return next

	case types.FactProcessFailed:
		next := state.Clone()
		next["status"] = "failed"
		return next

	case types.FactProcessCancelled:
		next := state.Clone()
		next["status"] = "cancelled"
		return next

	default:
		return state
	}
}

func withStep(state types.State, f types.Fact, mutate func(types.State) types.State) types.State {
	name, ok := str(f.Data, "step")
	if !ok {
		return state
	}
	next := state.Clone()
	steps, _ := next["steps"].(map[string]types.State)
	cloned := make(map[string]types.State, len(steps))
	for k, v := range steps {
		cloned[k] = v
	}
	step := cloned[name]
	if step == nil {
		step = types.State{"status": "pending"}
	}
	cloned[name] = mutate(step.Clone())
	next["steps"] = cloned
	return next
}
