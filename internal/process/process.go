// Package process implements the multi-lane workflow scheduler: starting
// a process instance, the re-entrant advance_process fixpoint, and the
// auto-advance-on-task-completion hook that is the only coupling between
// the task and process subsystems.
package process

import (
	"context"
	"sort"

	"github.com/farant/smaragda-sub002/internal/action"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/observability"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Scheduler owns process instance lifecycle: starting instances and
// driving them forward.
type Scheduler struct {
	store  store.Store
	genus  *genus.Registry
	action *action.Engine
}

func New(s store.Store, g *genus.Registry, a *action.Engine) *Scheduler {
	return &Scheduler{store: s, genus: g, action: a}
}

// StartProcess creates a new process instance entity, appends
// process_started, and immediately drives it to its first fixpoint.
func (s *Scheduler) StartProcess(ctx context.Context, processGenusID, contextResID, branch string) (string, error) {
	def, err := s.genus.Get(ctx, processGenusID, branch)
	if err != nil {
		return "", err
	}
	if def.Kind() != genus.KindProcess {
		return "", kernelerr.New(kernelerr.SchemaViolation, "genus %q is not a process", def.Name())
	}
	if err := genus.ValidateProcessDefinition(def.Lanes, def.Steps); err != nil {
		return "", err
	}

	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Storage, err, "allocate process instance id")
	}
	if err := s.store.CreateEntityRow(ctx, types.Res{ID: id, GenusID: processGenusID, BranchID: branch}); err != nil {
		return "", err
	}
	if _, err := s.store.AppendFact(ctx, id, branch, types.FactProcessStarted, map[string]any{"context_res_id": contextResID}, ""); err != nil {
		return "", err
	}

	if err := s.AdvanceProcess(ctx, id, branch); err != nil {
		return "", err
	}
	return id, nil
}

// AdvanceProcess is the re-entrant fixpoint scheduler (spec §4.6). It is
// safe to call repeatedly: if the instance isn't running, or no step is
// eligible to progress, it is a no-op.
func (s *Scheduler) AdvanceProcess(ctx context.Context, instanceID, branch string) error {
	res, err := s.store.GetEntity(ctx, instanceID)
	if err != nil {
		return err
	}
	def, err := s.genus.Get(ctx, res.GenusID, branch)
	if err != nil {
		return err
	}

	for {
		state, err := s.instanceState(ctx, instanceID, branch)
		if err != nil {
			return err
		}
		if status, _ := state["status"].(string); status != "running" {
			return nil
		}

		changed, err := s.stepOnce(ctx, instanceID, branch, def, state)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
	}

	return s.finalizeIfDone(ctx, instanceID, branch, def)
}

func (s *Scheduler) instanceState(ctx context.Context, instanceID, branch string) (types.State, error) {
	facts, err := s.store.Range(ctx, instanceID, branch, 0, nil, 0)
	if err != nil {
		return nil, err
	}
	return materializer.Materialize(facts, materializer.ProcessInstanceReducer), nil
}

// stepOnce walks every lane in position order looking for the first
// non-terminal step, and dispatches it. It advances at most one step per
// call so that the outer loop can re-materialize state between steps
// (some steps complete synchronously and unblock the next one
// immediately; gates spanning lanes need this re-check).
func (s *Scheduler) stepOnce(ctx context.Context, instanceID, branch string, def genus.Def, state types.State) (bool, error) {
	for _, lane := range sortedLanes(def.Lanes) {
		step, ok := firstNonTerminalStep(def.Steps, lane, state)
		if !ok {
			continue
		}
		changed, err := s.dispatchStep(ctx, instanceID, branch, def, state, step)
		if err != nil {
			return false, err
		}
		if changed {
			observability.Metrics.ProcessSteps.Add(ctx, 1)
			return true, nil
		}
	}
	return false, nil
}

func sortedLanes(lanes []map[string]any) []string {
	type lane struct {
		name     string
		position int
	}
	ls := make([]lane, 0, len(lanes))
	for _, l := range lanes {
		name, _ := l["name"].(string)
		ls = append(ls, lane{name: name, position: intField(l, "position")})
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].position < ls[j].position })
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.name
	}
	return out
}

func firstNonTerminalStep(steps []map[string]any, lane string, state types.State) (map[string]any, bool) {
	type indexed struct {
		step     map[string]any
		position int
	}
	var inLane []indexed
	for _, st := range steps {
		if laneOf, _ := st["lane"].(string); laneOf == lane {
			inLane = append(inLane, indexed{step: st, position: intField(st, "position")})
		}
	}
	sort.Slice(inLane, func(i, j int) bool { return inLane[i].position < inLane[j].position })

	steppedState, _ := state["steps"].(map[string]types.State)
	for _, entry := range inLane {
		name, _ := entry.step["name"].(string)
		status := stepStatus(steppedState, name)
		switch status {
		case "completed", "skipped", "failed":
			continue
		default:
			return entry.step, true
		}
	}
	return nil, false
}

func stepStatus(steps map[string]types.State, name string) string {
	if steps == nil {
		return "pending"
	}
	st, ok := steps[name]
	if !ok {
		return "pending"
	}
	status, _ := st["status"].(string)
	if status == "" {
		return "pending"
	}
	return status
}

func (s *Scheduler) finalizeIfDone(ctx context.Context, instanceID, branch string, def genus.Def) error {
	state, err := s.instanceState(ctx, instanceID, branch)
	if err != nil {
		return err
	}
	if status, _ := state["status"].(string); status != "running" {
		return nil
	}

	steps, _ := state["steps"].(map[string]types.State)
	allDone, anyFailed, anyActive := true, false, false
	for _, st := range def.Steps {
		name, _ := st["name"].(string)
		status := stepStatus(steps, name)
		switch status {
		case "completed", "skipped":
		case "failed":
			anyFailed = true
		case "active":
			anyActive = true
			allDone = false
		default:
			allDone = false
		}
	}

	switch {
	case allDone:
		_, err = s.store.AppendFact(ctx, instanceID, branch, types.FactProcessCompleted, map[string]any{}, "")
	case anyFailed && !anyActive:
		_, err = s.store.AppendFact(ctx, instanceID, branch, types.FactProcessFailed, map[string]any{}, "")
	}
	return err
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
