// Package genus implements the schema kernel: genus definitions stored as
// events on a meta-genus entity, additive evolution, and the polymorphic
// genus kinds (entity/feature/relationship/action/process/serialization).
package genus

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Kind is the reified form of meta.kind (spec §9, "stringly-typed kinds").
// Absence (empty string) means Entity.
type Kind string

const (
	KindEntity       Kind = "entity"
	KindFeature      Kind = "feature"
	KindRelationship Kind = "relationship"
	KindAction       Kind = "action"
	KindProcess      Kind = "process"
	KindSerialization Kind = "serialization"
)

// AttrType is one of the four scalar attribute types the spec allows.
type AttrType string

const (
	AttrText     AttrType = "text"
	AttrNumber   AttrType = "number"
	AttrBoolean  AttrType = "boolean"
	AttrFiletree AttrType = "filetree"
)

// NamedAttribute is one {name, type, required, default} entry supplied to
// Define/Evolve. A slice (not a map) so duplicate-name detection can see
// every entry the caller supplied, including ones that differ only by case.
type NamedAttribute struct {
	Name     string
	Type     AttrType
	Required bool
	Default  any
}

// NamedState is one {name, initial} pair.
type NamedState struct {
	Name    string
	Initial bool
}

// Transition is one {from, to, name?} edge in the state machine graph.
type Transition struct {
	From string
	To   string
	Name string
}

// NamedRole is one relationship role definition.
type NamedRole struct {
	Name              string
	ValidMemberGenera []string
	Cardinality       string // one | one_or_more | zero_or_more
}

// Input is the caller-supplied shape for Define/Evolve. Kind-specific
// fields (Resources/Parameters/Handler for actions; Lanes/Steps/Triggers
// for processes) are left as raw fact payloads — internal/action and
// internal/process own their interpretation so this package doesn't need
// to import them (which would cycle, since they import genus).
type Input struct {
	Attributes []NamedAttribute
	States     []NamedState
	Transitions []Transition
	Roles      []NamedRole
	Meta       map[string]any

	Resources  []map[string]any // action genus: [{name, genus_name, required_status?}]
	Parameters []map[string]any // action genus: [{name, type, required}]
	Handler    []map[string]any // action genus: ordered SideEffect payloads

	Lanes    []map[string]any // process genus
	Steps    []map[string]any // process genus
	Triggers []map[string]any // process genus

	SerializationInputs  []map[string]any
	SerializationOutputs []map[string]any
	SerializationHandler []map[string]any
}

// Def is the materialized form of a genus.
type Def struct {
	ID           string
	Attributes   map[string]NamedAttribute
	States       map[string]NamedState
	Transitions  []Transition
	Roles        map[string]NamedRole
	Meta         map[string]any
	InitialState string // "" if the genus defines no states

	Resources  map[string]map[string]any
	Parameters map[string]map[string]any
	Handler    []map[string]any

	Lanes    []map[string]any
	Steps    []map[string]any
	Triggers []map[string]any

	SerializationInputs  map[string]map[string]any
	SerializationOutputs map[string]map[string]any
	SerializationHandler []map[string]any
}

// Kind reads meta.kind, reified to the Kind enum; absence means KindEntity.
func (d Def) Kind() Kind {
	k, _ := d.Meta["kind"].(string)
	if k == "" {
		return KindEntity
	}
	return Kind(k)
}

// Name reads meta.name.
func (d Def) Name() string {
	name, _ := d.Meta["name"].(string)
	return name
}

// Deprecated reads meta.deprecated.
func (d Def) Deprecated() bool {
	dep, _ := d.Meta["deprecated"].(bool)
	return dep
}

// Registry owns genus definition, evolution, and lookup. It is a thin
// layer over Store + materializer: genus definitions are entities like any
// other, materialized with the genus reducer.
type Registry struct {
	store store.Store
}

func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Define validates in and appends the fact stream for a brand-new genus of
// kind on branch, returning its new id.
func (r *Registry) Define(ctx context.Context, kind Kind, name string, in Input, taxonomyID string, branch string) (string, error) {
	if err := ValidateAttributes(in.Attributes); err != nil {
		return "", err
	}
	if err := ValidateStateMachine(in.States, in.Transitions); err != nil {
		return "", err
	}
	if kind == KindProcess {
		if err := ValidateProcessDefinition(in.Lanes, in.Steps); err != nil {
			return "", err
		}
	}
	if kind == KindAction {
		if err := ValidateActionHandler(in.Resources, in.Parameters, in.Handler); err != nil {
			return "", err
		}
	}

	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Storage, err, "allocate genus id")
	}

	metaGenusID := idgen.SentinelID(0) // every genus is an entity under the meta sentinel
	now := time.Now()
	if err := r.store.CreateEntityRow(ctx, types.Res{ID: id, GenusID: metaGenusID, BranchID: branch, CreatedAt: now}); err != nil {
		return "", err
	}
	if _, err := r.store.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, ""); err != nil {
		return "", err
	}

	meta := map[string]any{"name": name, "kind": string(kind)}
	if taxonomyID != "" {
		meta["taxonomy_id"] = taxonomyID
	}
	for k, v := range in.Meta {
		meta[k] = v
	}
	if err := r.appendMeta(ctx, id, branch, meta); err != nil {
		return "", err
	}
	if err := r.appendDefinitionFacts(ctx, id, branch, in); err != nil {
		return "", err
	}

	return id, nil
}

func (r *Registry) appendMeta(ctx context.Context, id, branch string, meta map[string]any) error {
	// Deterministic order keeps fact streams reproducible across runs,
	// which matters for the replay-determinism tests in materializer.
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusMetaSet, map[string]any{"key": k, "value": meta[k]}, ""); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) appendDefinitionFacts(ctx context.Context, id, branch string, in Input) error {
	for _, a := range in.Attributes {
		def := map[string]any{"type": string(a.Type), "required": a.Required}
		if a.Default != nil {
			def["default"] = a.Default
		}
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusAttributeDef, map[string]any{"name": a.Name, "definition": def}, ""); err != nil {
			return err
		}
	}
	for _, s := range in.States {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusStateDef, map[string]any{"name": s.Name, "definition": map[string]any{"initial": s.Initial}}, ""); err != nil {
			return err
		}
	}
	for _, t := range in.Transitions {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusTransitionDef, map[string]any{"from": t.From, "to": t.To, "name": t.Name}, ""); err != nil {
			return err
		}
	}
	for _, role := range in.Roles {
		def := map[string]any{"valid_member_genera": role.ValidMemberGenera, "cardinality": role.Cardinality}
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusRoleDef, map[string]any{"name": role.Name, "definition": def}, ""); err != nil {
			return err
		}
	}
	for _, res := range in.Resources {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactActionResourceDef, res, ""); err != nil {
			return err
		}
	}
	for _, p := range in.Parameters {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactActionParameterDef, p, ""); err != nil {
			return err
		}
	}
	for _, h := range in.Handler {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactActionHandlerDef, h, ""); err != nil {
			return err
		}
	}
	for _, l := range in.Lanes {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactProcessLaneDef, l, ""); err != nil {
			return err
		}
	}
	for _, s := range in.Steps {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactProcessStepDef, s, ""); err != nil {
			return err
		}
	}
	for _, tr := range in.Triggers {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactProcessTriggerDef, tr, ""); err != nil {
			return err
		}
	}
	for _, si := range in.SerializationInputs {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactSerializationInputDef, si, ""); err != nil {
			return err
		}
	}
	for _, so := range in.SerializationOutputs {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactSerializationOutputDef, so, ""); err != nil {
			return err
		}
	}
	for _, sh := range in.SerializationHandler {
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactSerializationHandlerDef, sh, ""); err != nil {
			return err
		}
	}
	return nil
}

// Evolve appends only the facts in in that aren't already materialized
// (spec §4.3: additive only). Attribute/state name-key matching is
// case-sensitive at evolution time (the Open Question in spec §9 says to
// preserve this); role member-genera sets merge as a case-insensitive
// union and are re-appended only when the merged set or cardinality
// differs from what's already there.
func (r *Registry) Evolve(ctx context.Context, id string, branch string, in Input) error {
	def, err := r.Get(ctx, id, branch)
	if err != nil {
		return err
	}

	for _, a := range in.Attributes {
		if _, exists := def.Attributes[a.Name]; exists {
			continue
		}
		defPayload := map[string]any{"type": string(a.Type), "required": a.Required}
		if a.Default != nil {
			defPayload["default"] = a.Default
		}
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusAttributeDef, map[string]any{"name": a.Name, "definition": defPayload}, ""); err != nil {
			return err
		}
	}

	for _, s := range in.States {
		if _, exists := def.States[s.Name]; exists {
			continue
		}
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusStateDef, map[string]any{"name": s.Name, "definition": map[string]any{"initial": s.Initial}}, ""); err != nil {
			return err
		}
	}

	for _, t := range in.Transitions {
		if transitionExists(def.Transitions, t) {
			continue
		}
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusTransitionDef, map[string]any{"from": t.From, "to": t.To, "name": t.Name}, ""); err != nil {
			return err
		}
	}

	for _, role := range in.Roles {
		existing, has := def.Roles[role.Name]
		merged := mergeRoleCaseInsensitive(existing, role)
		if has && sameRole(existing, merged) {
			continue
		}
		defPayload := map[string]any{"valid_member_genera": merged.ValidMemberGenera, "cardinality": merged.Cardinality}
		if _, err := r.store.AppendFact(ctx, id, branch, types.FactGenusRoleDef, map[string]any{"name": role.Name, "definition": defPayload}, ""); err != nil {
			return err
		}
	}

	return nil
}

func transitionExists(existing []Transition, t Transition) bool {
	for _, e := range existing {
		if e.From == t.From && e.To == t.To {
			return true
		}
	}
	return false
}

func mergeRoleCaseInsensitive(existing NamedRole, incoming NamedRole) NamedRole {
	seen := map[string]string{} // lower -> original casing kept
	add := func(genera []string) {
		for _, g := range genera {
			key := strings.ToLower(g)
			if _, ok := seen[key]; !ok {
				seen[key] = g
			}
		}
	}
	add(existing.ValidMemberGenera)
	add(incoming.ValidMemberGenera)

	merged := make([]string, 0, len(seen))
	for _, g := range seen {
		merged = append(merged, g)
	}
	sort.Strings(merged)

	cardinality := incoming.Cardinality
	if cardinality == "" {
		cardinality = existing.Cardinality
	}
	return NamedRole{Name: incoming.Name, ValidMemberGenera: merged, Cardinality: cardinality}
}

func sameRole(existing, merged NamedRole) bool {
	if existing.Cardinality != merged.Cardinality {
		return false
	}
	if len(existing.ValidMemberGenera) != len(merged.ValidMemberGenera) {
		return false
	}
	e := append([]string{}, existing.ValidMemberGenera...)
	m := append([]string{}, merged.ValidMemberGenera...)
	sort.Strings(e)
	sort.Strings(m)
	for i := range e {
		if e[i] != m[i] {
			return false
		}
	}
	return true
}

// Get materializes genus id on branch and converts it to a Def.
func (r *Registry) Get(ctx context.Context, id string, branch string) (Def, error) {
	facts, err := r.store.Range(ctx, id, branch, 0, nil, 0)
	if err != nil {
		return Def{}, err
	}
	if len(facts) == 0 {
		return Def{}, kernelerr.New(kernelerr.NotFound, "genus %s not found", id)
	}
	state := materializer.Materialize(facts, materializer.GenusReducer)
	return fromState(id, state), nil
}

func fromState(id string, state types.State) Def {
	def := Def{
		ID:                   id,
		Attributes:           map[string]NamedAttribute{},
		States:                map[string]NamedState{},
		Roles:                 map[string]NamedRole{},
		Resources:             map[string]map[string]any{},
		Parameters:            map[string]map[string]any{},
		SerializationInputs:   map[string]map[string]any{},
		SerializationOutputs:  map[string]map[string]any{},
	}

	if meta, ok := state["meta"].(map[string]any); ok {
		def.Meta = meta
	} else {
		def.Meta = map[string]any{}
	}

	if attrs, ok := state["attributes"].(map[string]any); ok {
		for name, raw := range attrs {
			def.Attributes[name] = attributeFromRaw(name, raw)
		}
	}
	if states, ok := state["states"].(map[string]any); ok {
		for name, raw := range states {
			m, _ := raw.(map[string]any)
			initial, _ := m["initial"].(bool)
			def.States[name] = NamedState{Name: name, Initial: initial}
			if initial {
				def.InitialState = name
			}
		}
	}
	if transitions, ok := state["transitions"].([]map[string]any); ok {
		for _, t := range transitions {
			from, _ := t["from"].(string)
			to, _ := t["to"].(string)
			name, _ := t["name"].(string)
			def.Transitions = append(def.Transitions, Transition{From: from, To: to, Name: name})
		}
	}
	if roles, ok := state["roles"].(map[string]any); ok {
		for name, raw := range roles {
			m, _ := raw.(map[string]any)
			cardinality, _ := m["cardinality"].(string)
			var genera []string
			if g, ok := m["valid_member_genera"].([]string); ok {
				genera = g
			} else if g, ok := m["valid_member_genera"].([]any); ok {
				for _, v := range g {
					if s, ok := v.(string); ok {
						genera = append(genera, s)
					}
				}
			}
			def.Roles[name] = NamedRole{Name: name, ValidMemberGenera: genera, Cardinality: cardinality}
		}
	}
	if resources, ok := state["resources"].(map[string]any); ok {
		for name, raw := range resources {
			if m, ok := raw.(map[string]any); ok {
				def.Resources[name] = m
			}
		}
	}
	if params, ok := state["parameters"].(map[string]any); ok {
		for name, raw := range params {
			if m, ok := raw.(map[string]any); ok {
				def.Parameters[name] = m
			}
		}
	}
	if handler, ok := state["handler"].([]map[string]any); ok {
		def.Handler = handler
	}
	if lanes, ok := state["lanes"].([]map[string]any); ok {
		def.Lanes = lanes
	}
	if steps, ok := state["steps"].([]map[string]any); ok {
		def.Steps = steps
	}
	if triggers, ok := state["triggers"].([]map[string]any); ok {
		def.Triggers = triggers
	}
	if si, ok := state["serialization_inputs"].(map[string]any); ok {
		for name, raw := range si {
			if m, ok := raw.(map[string]any); ok {
				def.SerializationInputs[name] = m
			}
		}
	}
	if so, ok := state["serialization_outputs"].(map[string]any); ok {
		for name, raw := range so {
			if m, ok := raw.(map[string]any); ok {
				def.SerializationOutputs[name] = m
			}
		}
	}
	if sh, ok := state["serialization_handler"].([]map[string]any); ok {
		def.SerializationHandler = sh
	}

	return def
}

func attributeFromRaw(name string, raw any) NamedAttribute {
	m, _ := raw.(map[string]any)
	typ, _ := m["type"].(string)
	required, _ := m["required"].(bool)
	return NamedAttribute{Name: name, Type: AttrType(typ), Required: required, Default: m["default"]}
}

// Deprecate sets meta.deprecated=true. Sentinel genera reject deprecation.
func (r *Registry) Deprecate(ctx context.Context, id, branch string) error {
	if IsSentinelID(id) {
		return kernelerr.New(kernelerr.SentinelProtected, "sentinel genus %s cannot be deprecated", id)
	}
	_, err := r.store.AppendFact(ctx, id, branch, types.FactGenusMetaSet, map[string]any{"key": "deprecated", "value": true}, "")
	return err
}

// Restore clears meta.deprecated.
func (r *Registry) Restore(ctx context.Context, id, branch string) error {
	_, err := r.store.AppendFact(ctx, id, branch, types.FactGenusMetaSet, map[string]any{"key": "deprecated", "value": false}, "")
	return err
}

// FindByName performs a case-insensitive, first-match-wins (by creation
// order, i.e. by ascending res id since ids are time-ordered) lookup over
// every genus entity that exists under the meta sentinel on branch.
func (r *Registry) FindByName(ctx context.Context, name string, branch string) (Def, error) {
	ids, err := r.store.DistinctResIDsForBranch(ctx, branch)
	if err != nil {
		return Def{}, err
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	target := strings.ToLower(name)
	for _, id := range sorted {
		def, err := r.Get(ctx, id, branch)
		if err != nil {
			continue
		}
		if strings.ToLower(def.Name()) == target {
			return def, nil
		}
	}
	return Def{}, kernelerr.New(kernelerr.NotFound, "no genus named %q", name)
}
