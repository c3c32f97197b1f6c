package process

import (
	"context"
	"strings"
	"time"

	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/types"
)

// dispatchStep advances exactly one step: activating it on first sight,
// then attempting its type-specific completion. It reports whether it
// appended any fact (progress for the outer fixpoint), not whether the
// step reached a terminal status — a task_step or unsatisfied gate_step
// can "change" (activate) without completing.
func (s *Scheduler) dispatchStep(ctx context.Context, instanceID, branch string, def genus.Def, state types.State, step map[string]any) (bool, error) {
	name, _ := step["name"].(string)
	stepType, _ := step["type"].(string)

	steps, _ := state["steps"].(map[string]types.State)
	status := stepStatus(steps, name)
	changed := false

	if status == "pending" {
		if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepActivated,
			map[string]any{"step": name, "started_at": nowString()}, ""); err != nil {
			return false, err
		}
		changed = true
	}

	switch stepType {
	case "gate_step":
		done, err := s.dispatchGate(ctx, instanceID, branch, state, step, name)
		if err != nil {
			return false, err
		}
		return changed || done, nil

	case "fetch_step":
		done, err := s.dispatchFetch(ctx, instanceID, branch, state, step, name)
		if err != nil {
			return false, err
		}
		return changed || done, nil

	case "branch_step":
		done, err := s.dispatchBranch(ctx, instanceID, branch, state, step, name)
		if err != nil {
			return false, err
		}
		return changed || done, nil

	case "action_step":
		if status == "active" {
			// already dispatched synchronously below on activation; nothing
			// further to do if re-entered mid-lane-walk on the same pass.
			return changed, nil
		}
		done, err := s.dispatchAction(ctx, instanceID, branch, state, step, name)
		if err != nil {
			return false, err
		}
		return changed || done, nil

	case "task_step":
		if status == "active" {
			// task already created; lane stays blocked until complete_task
			// fires the auto-advance hook.
			return changed, nil
		}
		if err := s.dispatchTask(ctx, instanceID, branch, state, step, name); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, kernelerr.New(kernelerr.SchemaViolation, "process step %q has unknown type %q", name, stepType)
	}
}

func (s *Scheduler) dispatchGate(ctx context.Context, instanceID, branch string, state types.State, step map[string]any, name string) (bool, error) {
	preds := toStringSlice(step["predecessor_steps"])
	steps, _ := state["steps"].(map[string]types.State)
	for _, p := range preds {
		if stepStatus(steps, p) != "completed" {
			return false, nil // still blocked, lane stops here
		}
	}
	if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactGateEvaluated, map[string]any{"step": name}, ""); err != nil {
		return false, err
	}
	if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepCompleted,
		map[string]any{"step": name, "result": "gate_passed", "completed_at": nowString()}, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) dispatchFetch(ctx context.Context, instanceID, branch string, state types.State, step map[string]any, name string) (bool, error) {
	attr, _ := step["attribute"].(string)
	value, err := s.readContextAttribute(ctx, state, branch, attr)
	if err != nil {
		return false, err
	}
	if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepCompleted,
		map[string]any{"step": name, "result": value, "completed_at": nowString()}, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) dispatchBranch(ctx context.Context, instanceID, branch string, state types.State, step map[string]any, name string) (bool, error) {
	attr, _ := step["condition_attribute"].(string)
	target, _ := step["target_step"].(string)
	lane, _ := step["lane"].(string)

	value, err := s.readContextAttribute(ctx, state, branch, attr)
	if err != nil {
		return false, err
	}

	if truthy(value) {
		if err := s.skipBetween(ctx, instanceID, branch, lane, step, target); err != nil {
			return false, err
		}
	}
	if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepCompleted,
		map[string]any{"step": name, "result": value, "completed_at": nowString()}, ""); err != nil {
		return false, err
	}
	return true, nil
}

// skipBetween marks every step in the same lane strictly between the
// branch step and target (exclusive of target itself) as skipped.
func (s *Scheduler) skipBetween(ctx context.Context, instanceID, branch, lane string, branchStep map[string]any, target string) error {
	res, err := s.store.GetEntity(ctx, instanceID)
	if err != nil {
		return err
	}
	def, err := s.genus.Get(ctx, res.GenusID, branch)
	if err != nil {
		return err
	}

	branchPos := intField(branchStep, "position")
	targetPos := -1
	for _, st := range def.Steps {
		if n, _ := st["name"].(string); n == target {
			targetPos = intField(st, "position")
		}
	}
	if targetPos < 0 {
		return kernelerr.New(kernelerr.SchemaViolation, "branch_step target %q not found", target)
	}

	for _, st := range def.Steps {
		laneOf, _ := st["lane"].(string)
		if laneOf != lane {
			continue
		}
		pos := intField(st, "position")
		if pos <= branchPos || pos >= targetPos {
			continue
		}
		name, _ := st["name"].(string)
		if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepSkipped, map[string]any{"step": name}, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) dispatchAction(ctx context.Context, instanceID, branch string, state types.State, step map[string]any, name string) (bool, error) {
	actionGenusName, _ := step["action_genus"].(string)
	actionDef, err := s.genus.FindByName(ctx, actionGenusName, branch)
	if err != nil {
		return false, err
	}

	resourceBindings := map[string]string{}
	for resName := range actionDef.Resources {
		resourceBindings[resName] = s.resolveBinding(state, step, resName)
	}
	params, _ := step["params"].(map[string]any)

	result := s.action.Execute(ctx, actionDef.ID, resourceBindings, params, branch)
	if result.Error != "" {
		_, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepFailed,
			map[string]any{"step": name, "result": result.Error}, "")
		return err == nil, err
	}

	if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepActionRun,
		map[string]any{"step": name, "action_taken_id": result.ActionTakenID}, ""); err != nil {
		return false, err
	}
	if _, err := s.store.AppendFact(ctx, instanceID, branch, types.FactStepCompleted,
		map[string]any{"step": name, "result": "ok", "completed_at": nowString()}, ""); err != nil {
		return false, err
	}
	return true, nil
}

// resolveBinding resolves a step's resource_bindings entry, which maps a
// resource name to either "context" (the process's own context
// entity; also used when the binding is absent or empty) or any other
// string, which is returned unchanged and used as the entity id itself.
func (s *Scheduler) resolveBinding(state types.State, step map[string]any, resName string) string {
	bindings, _ := step["resource_bindings"].(map[string]any)
	raw, _ := bindings[resName].(string)
	if raw == "context" || raw == "" {
		contextResID, _ := state["context_res_id"].(string)
		return contextResID
	}
	return raw
}

func (s *Scheduler) dispatchTask(ctx context.Context, instanceID, branch string, state types.State, step map[string]any, name string) error {
	title, _ := step["title"].(string)
	if title == "" {
		title = name
	}
	description, _ := step["description"].(string)
	targetAgentType, _ := step["target_agent_type"].(string)

	taskID, err := createTask(ctx, s.store, branch, title, description, targetAgentType, []string{instanceID})
	if err != nil {
		return err
	}
	_, err = s.store.AppendFact(ctx, instanceID, branch, types.FactStepTaskCreated,
		map[string]any{"step": name, "task_id": taskID}, "")
	return err
}

func (s *Scheduler) readContextAttribute(ctx context.Context, state types.State, branch, attr string) (any, error) {
	contextResID, _ := state["context_res_id"].(string)
	if contextResID == "" {
		return nil, kernelerr.New(kernelerr.ValidationError, "process instance has no context_res_id")
	}
	facts, err := s.store.Range(ctx, contextResID, branch, 0, nil, 0)
	if err != nil {
		return nil, err
	}
	entityState := materializer.Materialize(facts, materializer.DefaultReducer)
	return entityState[attr], nil
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

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case nil:
		return false
	default:
		return true
	}
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}
