// Package action implements the declarative side-effect DSL: resource and
// parameter binding, token substitution, and transactional execution of an
// action genus's handler. execute_action never raises to its caller —
// every failure mode becomes a Result.Error instead (spec's
// capture-and-return discipline, the one operation in the kernel that
// doesn't use kernelerr's raise-and-propagate convention).
package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/farant/smaragda-sub002/internal/entity"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/observability"
	"github.com/farant/smaragda-sub002/internal/store"
)

// FileOp is the pure result of a file_op side effect: the action engine
// resolves tokens and hands back the intent, it never touches disk.
type FileOp struct {
	Path     string
	Op       string // write | mkdir | remove
	Contents string
	Mode     string
}

// Result is what execute_action always returns: either a successful
// record of what happened, or an Error describing why it didn't.
type Result struct {
	ActionTakenID int64
	Tessellae     []int64
	FileOps       []FileOp
	Error         string
}

// Engine executes actions.
type Engine struct {
	store store.Store
	genus *genus.Registry
}

func New(s store.Store, g *genus.Registry) *Engine {
	return &Engine{store: s, genus: g}
}

// Execute runs the execute_action pipeline (spec §4.5): record an audit
// row, validate resource bindings and parameters, substitute tokens, run
// every side effect inside one transaction, and record the outcome.
func (e *Engine) Execute(ctx context.Context, actionGenusID string, resourceBindings map[string]string, params map[string]any, branch string) (result Result) {
	defer func() {
		if result.Error != "" {
			observability.Metrics.ActionFailures.Add(ctx, 1)
		} else {
			observability.Metrics.ActionsExecuted.Add(ctx, 1)
		}
	}()

	inputID, err := e.store.RecordInput(ctx, "push", "", map[string]any{
		"action_genus_id": actionGenusID,
		"resources":       resourceBindings,
		"params":          params,
	}, branch)
	if err != nil {
		return Result{Error: err.Error()}
	}

	def, err := e.genus.Get(ctx, actionGenusID, branch)
	if err != nil {
		return Result{Error: err.Error()}
	}
	if def.Kind() != genus.KindAction {
		return Result{Error: "genus " + def.Name() + " is not an action"}
	}

	if err := e.validateResources(ctx, def, resourceBindings, branch); err != nil {
		return Result{Error: err.Error()}
	}
	if err := validateParams(def, params); err != nil {
		return Result{Error: err.Error()}
	}

	now := time.Now().UTC()
	handler := substituteHandler(def.Handler, resourceBindings, params, now)

	var tessellae []int64
	var fileOps []FileOp
	err = e.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		txGenus := genus.New(tx)
		for _, effect := range handler {
			ids, fops, err := e.executeSideEffect(ctx, tx, txGenus, branch, effect, now)
			if err != nil {
				return err
			}
			tessellae = append(tessellae, ids...)
			fileOps = append(fileOps, fops...)
		}
		return nil
	})
	if err != nil {
		return Result{Error: err.Error()}
	}

	actionTakenID, err := e.store.RecordActionTaken(ctx, actionGenusID, inputID, toAnyMap(resourceBindings), params, tessellae, branch)
	if err != nil {
		return Result{Error: err.Error()}
	}

	return Result{ActionTakenID: actionTakenID, Tessellae: tessellae, FileOps: fileOps}
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (e *Engine) validateResources(ctx context.Context, def genus.Def, bindings map[string]string, branch string) error {
	for name, raw := range def.Resources {
		genusName, _ := raw["genus_name"].(string)
		requiredStatus, _ := raw["required_status"].(string)

		entityID, ok := bindings[name]
		if !ok || entityID == "" {
			return errf("resource %q not bound", name)
		}
		res, err := e.store.GetEntity(ctx, entityID)
		if err != nil {
			return errf("resource %q: %s", name, err.Error())
		}
		boundDef, err := e.genus.Get(ctx, res.GenusID, branch)
		if err != nil {
			return err
		}
		if !strings.EqualFold(boundDef.Name(), genusName) {
			return errf("resource %q expects genus %q, got %q", name, genusName, boundDef.Name())
		}
		if requiredStatus != "" {
			facts, err := e.store.Range(ctx, entityID, branch, 0, nil, 0)
			if err != nil {
				return err
			}
			state := materializer.Materialize(facts, materializer.DefaultReducer)
			if status, _ := state["status"].(string); status != requiredStatus {
				return errf("resource %q must have status %q, has %q", name, requiredStatus, status)
			}
		}
	}
	return nil
}

func validateParams(def genus.Def, params map[string]any) error {
	for name, raw := range def.Parameters {
		required, _ := raw["required"].(bool)
		typ, _ := raw["type"].(string)
		value, present := params[name]
		if required && !present {
			return errf("parameter %q is required", name)
		}
		if present {
			if err := entity.ValidateAttributeType(genus.AttrType(typ), value); err != nil {
				return errf("parameter %q: %s", name, err.Error())
			}
		}
	}
	return nil
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
