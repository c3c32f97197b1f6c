package process

import (
	"context"

	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// createTask mints a Task-sentinel entity the same way the action
// engine's create_task side effect does, tagging context_res_ids so
// CompleteTask can find its way back to the process instance that
// spawned it.
func createTask(ctx context.Context, s store.Store, branch, title, description, targetAgentType string, contextResIDs []string) (string, error) {
	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Storage, err, "allocate task id")
	}

	err = s.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: idgen.SentinelID(genus.SentinelTask), BranchID: branch}); err != nil {
			return err
		}
		if _, err := tx.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, ""); err != nil {
			return err
		}
		if _, err := tx.AppendFact(ctx, id, branch, types.FactStatusChanged, map[string]any{"status": "open"}, ""); err != nil {
			return err
		}
		fields := map[string]any{
			"title":             title,
			"description":       description,
			"target_agent_type": targetAgentType,
			"context_res_ids":   contextResIDs,
		}
		for key, value := range fields {
			if _, err := tx.AppendFact(ctx, id, branch, types.FactAttributeSet, map[string]any{"key": key, "value": value}, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompleteTask marks a task completed and drives the auto-advance hook:
// for every process instance referenced in the task's context_res_ids,
// it finds the step whose task_id matches this task, records its
// completion, and calls AdvanceProcess. This is the one structural
// coupling between the task and process subsystems.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID string, result any, branch string) error {
	facts, err := s.store.Range(ctx, taskID, branch, 0, nil, 0)
	if err != nil {
		return err
	}
	taskState := materializer.Materialize(facts, materializer.DefaultReducer)
	if status, _ := taskState["status"].(string); status == "completed" {
		return nil // already completed, idempotent
	}

	if _, err := s.store.AppendFact(ctx, taskID, branch, types.FactStatusChanged, map[string]any{"status": "completed"}, ""); err != nil {
		return err
	}
	if _, err := s.store.AppendFact(ctx, taskID, branch, types.FactAttributeSet, map[string]any{"key": "result", "value": result}, ""); err != nil {
		return err
	}

	for _, ctxResID := range toStringSlice(taskState["context_res_ids"]) {
		res, err := s.store.GetEntity(ctx, ctxResID)
		if err != nil {
			continue // not every context res is necessarily a process instance
		}
		def, err := s.genus.Get(ctx, res.GenusID, branch)
		if err != nil {
			return err
		}
		if def.Kind() != genus.KindProcess {
			continue
		}

		instanceState, err := s.instanceState(ctx, ctxResID, branch)
		if err != nil {
			return err
		}
		stepName, ok := findStepByTaskID(instanceState, taskID)
		if !ok {
			continue
		}

		if _, err := s.store.AppendFact(ctx, ctxResID, branch, types.FactStepCompleted,
			map[string]any{"step": stepName, "result": result}, ""); err != nil {
			return err
		}
		if err := s.AdvanceProcess(ctx, ctxResID, branch); err != nil {
			return err
		}
	}
	return nil
}

func findStepByTaskID(state types.State, taskID string) (string, bool) {
	steps, _ := state["steps"].(map[string]types.State)
	for name, st := range steps {
		if tid, _ := st["task_id"].(string); tid == taskID {
			return name, true
		}
	}
	return "", false
}
