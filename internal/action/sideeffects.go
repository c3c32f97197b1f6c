package action

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/farant/smaragda-sub002/internal/entity"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

var dueParser = buildDueParser()

func buildDueParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

var (
	paramTokenRe = regexp.MustCompile(`\$param\.([A-Za-z0-9_]+)`)
	resTokenRe   = regexp.MustCompile(`\$res\.([A-Za-z0-9_]+)\.id`)
)

// substituteHandler deep-copies handler, substituting every token in
// every string value. The copy is what gets executed; the genus
// definition's own handler is never mutated.
func substituteHandler(handler []map[string]any, resources map[string]string, params map[string]any, now time.Time) []map[string]any {
	out := make([]map[string]any, len(handler))
	for i, step := range handler {
		out[i] = substituteValue(step, resources, params, now).(map[string]any)
	}
	return out
}

func substituteValue(v any, resources map[string]string, params map[string]any, now time.Time) any {
	switch val := v.(type) {
	case string:
		return substituteString(val, resources, params, now)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = substituteValue(vv, resources, params, now)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = substituteValue(vv, resources, params, now)
		}
		return out
	default:
		return v
	}
}

// substituteString applies the whole-string-token-preserves-type rule: if
// s is, in its entirety, one token, the substituted value keeps its
// native type (a number parameter stays a number). Otherwise every token
// found inside s is string-interpolated.
func substituteString(s string, resources map[string]string, params map[string]any, now time.Time) any {
	if s == "$now" {
		return now.UTC().Format(time.RFC3339)
	}
	if m := paramTokenRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return params[m[1]]
	}
	if m := resTokenRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return resources[m[1]]
	}
	if !strings.Contains(s, "$param.") && !strings.Contains(s, "$res.") && !strings.Contains(s, "$now") {
		return s
	}

	result := paramTokenRe.ReplaceAllStringFunc(s, func(m string) string {
		name := paramTokenRe.FindStringSubmatch(m)[1]
		return fmt.Sprint(params[name])
	})
	result = resTokenRe.ReplaceAllStringFunc(result, func(m string) string {
		name := resTokenRe.FindStringSubmatch(m)[1]
		return resources[name]
	})
	result = strings.ReplaceAll(result, "$now", now.UTC().Format(time.RFC3339))
	return result
}

// resolveDue parses a create_task due field: an ISO-8601 timestamp is
// used as-is; anything else is handed to the natural-language parser and
// resolved relative to now, the same way a cron trigger resolves a
// relative process trigger.
func resolveDue(value string, now time.Time) (string, error) {
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return value, nil
	}
	result, err := dueParser.Parse(value, now)
	if err != nil {
		return "", fmt.Errorf("parse due %q: %w", value, err)
	}
	if result == nil {
		return "", fmt.Errorf("could not resolve due expression %q", value)
	}
	return result.Time.UTC().Format(time.RFC3339), nil
}

// executeSideEffect dispatches one substituted side effect, returning the
// fact ids it produced (if any) and any FileOp it resolved (if any).
// create_log and create_error report only the id of the last
// attribute_set fact they append (none when the effect carries no message,
// severity or res); their created and status_changed fact ids are not
// returned.
func (e *Engine) executeSideEffect(ctx context.Context, tx store.Store, txGenus *genus.Registry, branch string, effect map[string]any, now time.Time) ([]int64, []FileOp, error) {
	effectType, _ := effect["type"].(string)
	switch effectType {
	case "set_attribute":
		id, err := e.effectSetAttribute(ctx, tx, txGenus, branch, effect)
		return oneOrNone(id), nil, err

	case "transition_status":
		id, err := e.effectTransitionStatus(ctx, tx, txGenus, branch, effect)
		return oneOrNone(id), nil, err

	case "create_res":
		ids, err := e.effectCreateRes(ctx, tx, txGenus, branch, effect)
		return ids, nil, err

	case "create_log":
		id, err := e.effectCreateSentinelEntity(ctx, tx, branch, genus.SentinelLog, effect, map[string]string{"message": "message", "severity": "severity", "res": "res"})
		return oneOrNone(id), nil, err

	case "create_error":
		id, err := e.effectCreateError(ctx, tx, branch, effect)
		return oneOrNone(id), nil, err

	case "create_task":
		ids, err := e.effectCreateTask(ctx, tx, branch, effect, now)
		return ids, nil, err

	case "set_temporal_anchor":
		id, err := e.effectSetTemporalAnchor(ctx, tx, branch, effect)
		return oneOrNone(id), nil, err

	case "file_op":
		fop, err := effectFileOp(effect)
		if err != nil {
			return nil, nil, err
		}
		return nil, []FileOp{fop}, nil

	default:
		return nil, nil, kernelerr.New(kernelerr.ValidationError, "unknown side effect type %q", effectType)
	}
}

func oneOrNone(id int64) []int64 {
	if id == 0 {
		return nil
	}
	return []int64{id}
}

func (e *Engine) effectSetAttribute(ctx context.Context, tx store.Store, txGenus *genus.Registry, branch string, effect map[string]any) (int64, error) {
	resID, _ := effect["res"].(string)
	key, _ := effect["key"].(string)
	value := effect["value"]

	res, err := tx.GetEntity(ctx, resID)
	if err != nil {
		return 0, err
	}
	def, err := txGenus.Get(ctx, res.GenusID, branch)
	if err != nil {
		return 0, err
	}
	attr, ok := def.Attributes[key]
	if !ok {
		return 0, kernelerr.New(kernelerr.UnknownAttribute, "genus %q has no attribute %q", def.Name(), key)
	}
	if err := entity.ValidateAttributeType(attr.Type, value); err != nil {
		return 0, err
	}
	f, err := tx.AppendFact(ctx, resID, branch, types.FactAttributeSet, map[string]any{"key": key, "value": value}, "")
	return f.ID, err
}

func (e *Engine) effectTransitionStatus(ctx context.Context, tx store.Store, txGenus *genus.Registry, branch string, effect map[string]any) (int64, error) {
	resID, _ := effect["res"].(string)
	target, _ := effect["target"].(string)

	res, err := tx.GetEntity(ctx, resID)
	if err != nil {
		return 0, err
	}
	def, err := txGenus.Get(ctx, res.GenusID, branch)
	if err != nil {
		return 0, err
	}
	if _, ok := def.States[target]; !ok {
		return 0, kernelerr.New(kernelerr.InvalidTransition, "genus %q has no state %q", def.Name(), target)
	}

	facts, err := tx.Range(ctx, resID, branch, 0, nil, 0)
	if err != nil {
		return 0, err
	}
	current := currentStatus(facts)
	if current == "" {
		return 0, kernelerr.New(kernelerr.InvalidTransition, "entity %s has no current status", resID)
	}
	valid := false
	for _, t := range def.Transitions {
		if t.From == current && t.To == target {
			valid = true
			break
		}
	}
	if !valid {
		return 0, kernelerr.New(kernelerr.InvalidTransition, "no transition %s -> %s; %s", current, target, genus.TransitionSummary(def.Transitions, current))
	}

	f, err := tx.AppendFact(ctx, resID, branch, types.FactStatusChanged, map[string]any{"status": target}, "")
	return f.ID, err
}

// currentStatus replays just the status_changed facts rather than running
// a full materializer fold; kept local since this is the only place inside
// the action engine that needs the running status.
func currentStatus(facts []types.Fact) string {
	status := ""
	for _, f := range facts {
		if f.Type == types.FactStatusChanged {
			if s, ok := f.Data["status"].(string); ok {
				status = s
			}
		}
	}
	return status
}

func (e *Engine) effectCreateRes(ctx context.Context, tx store.Store, txGenus *genus.Registry, branch string, effect map[string]any) ([]int64, error) {
	genusName, _ := effect["genus_name"].(string)
	targetDef, err := txGenus.FindByName(ctx, genusName, branch)
	if err != nil {
		return nil, err
	}

	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "allocate entity id")
	}
	if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: targetDef.ID, BranchID: branch}); err != nil {
		return nil, err
	}

	var ids []int64
	f, err := tx.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, "")
	if err != nil {
		return nil, err
	}
	ids = append(ids, f.ID)

	if targetDef.InitialState != "" {
		f, err := tx.AppendFact(ctx, id, branch, types.FactStatusChanged, map[string]any{"status": targetDef.InitialState}, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
	}

	if attrs, ok := effect["attributes"].(map[string]any); ok {
		for key, value := range attrs {
			attr, ok := targetDef.Attributes[key]
			if !ok {
				return nil, kernelerr.New(kernelerr.UnknownAttribute, "genus %q has no attribute %q", targetDef.Name(), key)
			}
			if err := entity.ValidateAttributeType(attr.Type, value); err != nil {
				return nil, err
			}
			f, err := tx.AppendFact(ctx, id, branch, types.FactAttributeSet, map[string]any{"key": key, "value": value}, "")
			if err != nil {
				return nil, err
			}
			ids = append(ids, f.ID)
		}
	}
	return ids, nil
}

// effectCreateSentinelEntity creates a fresh entity under one of the
// built-in sentinel genera (Log, Error, Task), writing whichever of
// fieldMap's source effect keys are present as attribute_set facts.
// Sentinel genera don't declare attributes (they're privileged, schema-
// exempt carriers for system bookkeeping), so no attribute validation
// runs here.
func (e *Engine) effectCreateSentinelEntity(ctx context.Context, tx store.Store, branch string, sentinelIndex int, effect map[string]any, fieldMap map[string]string) (int64, error) {
	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "allocate entity id")
	}
	if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: idgen.SentinelID(sentinelIndex), BranchID: branch}); err != nil {
		return 0, err
	}
	if _, err := tx.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, ""); err != nil {
		return 0, err
	}

	var lastID int64
	for effectKey, attrKey := range fieldMap {
		value, ok := effect[effectKey]
		if !ok {
			continue
		}
		f, err := tx.AppendFact(ctx, id, branch, types.FactAttributeSet, map[string]any{"key": attrKey, "value": value}, "")
		if err != nil {
			return 0, err
		}
		lastID = f.ID
	}
	return lastID, nil
}

func (e *Engine) effectCreateError(ctx context.Context, tx store.Store, branch string, effect map[string]any) (int64, error) {
	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.Storage, err, "allocate entity id")
	}
	if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: idgen.SentinelID(genus.SentinelError), BranchID: branch}); err != nil {
		return 0, err
	}
	if _, err := tx.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, ""); err != nil {
		return 0, err
	}
	if _, err := tx.AppendFact(ctx, id, branch, types.FactStatusChanged, map[string]any{"status": "open"}, ""); err != nil {
		return 0, err
	}

	var lastID int64
	for effectKey, attrKey := range map[string]string{"message": "message", "severity": "severity", "res": "res"} {
		value, ok := effect[effectKey]
		if !ok {
			continue
		}
		f, err := tx.AppendFact(ctx, id, branch, types.FactAttributeSet, map[string]any{"key": attrKey, "value": value}, "")
		if err != nil {
			return 0, err
		}
		lastID = f.ID
	}
	return lastID, nil
}

func (e *Engine) effectCreateTask(ctx context.Context, tx store.Store, branch string, effect map[string]any, now time.Time) ([]int64, error) {
	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Storage, err, "allocate entity id")
	}
	if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: idgen.SentinelID(genus.SentinelTask), BranchID: branch}); err != nil {
		return nil, err
	}

	var ids []int64
	f, err := tx.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, "")
	if err != nil {
		return nil, err
	}
	ids = append(ids, f.ID)
	f, err = tx.AppendFact(ctx, id, branch, types.FactStatusChanged, map[string]any{"status": "open"}, "")
	if err != nil {
		return nil, err
	}
	ids = append(ids, f.ID)

	fields := map[string]string{
		"title": "title", "description": "description", "res": "res",
		"priority": "priority", "target_agent_type": "target_agent_type", "context_res_ids": "context_res_ids",
	}
	for effectKey, attrKey := range fields {
		value, ok := effect[effectKey]
		if !ok {
			continue
		}
		f, err := tx.AppendFact(ctx, id, branch, types.FactAttributeSet, map[string]any{"key": attrKey, "value": value}, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
	}

	if due, ok := effect["due"].(string); ok && due != "" {
		resolved, err := resolveDue(due, now)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.ValidationError, err, "resolve task due date")
		}
		f, err := tx.AppendFact(ctx, id, branch, types.FactAttributeSet, map[string]any{"key": "due", "value": resolved}, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
	}
	return ids, nil
}

func (e *Engine) effectSetTemporalAnchor(ctx context.Context, tx store.Store, branch string, effect map[string]any) (int64, error) {
	resID, _ := effect["res"].(string)
	startYear := intFromAny(effect["start_year"])
	var endYear *int
	if v, ok := effect["end_year"]; ok {
		y := intFromAny(v)
		endYear = &y
	}
	precision, _ := effect["precision"].(string)
	calendarNote, _ := effect["calendar_note"].(string)

	f, err := tx.AppendFact(ctx, resID, branch, types.FactTemporalAnchorSet, map[string]any{
		"start_year": startYear, "end_year": endYear, "precision": precision, "calendar_note": calendarNote,
	}, "")
	if err != nil {
		return 0, err
	}
	if err := tx.UpsertTemporalAnchor(ctx, resID, startYear, endYear, precision, calendarNote, ""); err != nil {
		return 0, err
	}
	return f.ID, nil
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func effectFileOp(effect map[string]any) (FileOp, error) {
	path, _ := effect["path"].(string)
	op, _ := effect["op"].(string)
	switch op {
	case "write", "mkdir", "remove":
	default:
		return FileOp{}, kernelerr.New(kernelerr.ValidationError, "file_op: unknown op %q", op)
	}
	contents, _ := effect["contents"].(string)
	mode, _ := effect["mode"].(string)
	return FileOp{Path: path, Op: op, Contents: contents, Mode: mode}, nil
}

