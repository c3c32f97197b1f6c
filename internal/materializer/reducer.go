// Package materializer folds an ordered fact sequence into a state map.
// Materialization is a pure function of the fact set: replaying the same
// facts in the same order always produces an identical result (spec §8,
// property 1).
package materializer

import "github.com/farant/smaragda-sub002/internal/types"

// Reducer folds one fact into a state, returning the updated state. A
// Reducer must not mutate its input state map; Materialize relies on this
// to keep intermediate states independent (reducers use State.Clone before
// mutating, then return the clone).
type Reducer func(state types.State, f types.Fact) types.State

// Kind selects which reducer Materialize applies. The right kind is a
// property of the *caller* (what is this entity's genus for?), never
// inferred from the facts themselves.
type Kind string

const (
	KindDefault         Kind = "default"
	KindGenus           Kind = "genus"
	KindAction          Kind = "action"
	KindProcess         Kind = "process"
	KindProcessInstance Kind = "process_instance"
	KindSerialization   Kind = "serialization"
)

// For returns the reducer registered for kind. Unknown kinds fall back to
// the default reducer, matching "default for entities" in spec §4.2.
func For(kind Kind) Reducer {
	if r, ok := reducers[kind]; ok {
		return r
	}
	return DefaultReducer
}

var reducers = map[Kind]Reducer{
	KindDefault:         DefaultReducer,
	KindGenus:           GenusReducer,
	KindAction:          ActionReducer,
	KindProcess:         ProcessReducer,
	KindProcessInstance: ProcessInstanceReducer,
	KindSerialization:   SerializationReducer,
}

// Materialize folds facts (already ordered ascending by id) through
// reducer, starting from an empty state. Callers are responsible for
// collecting the right fact sequence (branch-aware or not); this function
// only folds.
func Materialize(facts []types.Fact, reducer Reducer) types.State {
	state := types.State{}
	for _, f := range facts {
		state = reducer(state, f)
	}
	return state
}
