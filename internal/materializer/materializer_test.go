package materializer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub002/internal/types"
)

func factSeq() []types.Fact {
	now := time.Now()
	return []types.Fact{
		{ID: 1, ResID: "e1", Type: types.FactCreated, CreatedAt: now},
		{ID: 2, ResID: "e1", Type: types.FactStatusChanged, Data: map[string]any{"status": "provisioning"}, CreatedAt: now},
		{ID: 3, ResID: "e1", Type: types.FactAttributeSet, Data: map[string]any{"key": "ip", "value": "10.0.0.1"}, CreatedAt: now},
		{ID: 4, ResID: "e1", Type: types.FactStatusChanged, Data: map[string]any{"status": "active"}, CreatedAt: now},
	}
}

func TestMaterialize_ReplayDeterminism(t *testing.T) {
	facts := factSeq()

	first := Materialize(facts, DefaultReducer)
	second := Materialize(facts, DefaultReducer)

	assert.Equal(t, first, second)
	assert.Equal(t, "active", first["status"])
	assert.Equal(t, "10.0.0.1", first["ip"])
}

func TestMaterialize_UnknownTypePassesThrough(t *testing.T) {
	facts := []types.Fact{
		{ID: 1, Type: types.FactCreated},
		{ID: 2, Type: "some_future_fact", Data: map[string]any{"whatever": 1}},
		{ID: 3, Type: types.FactAttributeSet, Data: map[string]any{"key": "k", "value": "v"}},
	}

	state := Materialize(facts, DefaultReducer)
	assert.Equal(t, "v", state["k"])
}

func TestDefaultReducer_AttributeRemoved(t *testing.T) {
	facts := []types.Fact{
		{ID: 1, Type: types.FactCreated},
		{ID: 2, Type: types.FactAttributeSet, Data: map[string]any{"key": "k", "value": "v"}},
		{ID: 3, Type: types.FactAttributeRemoved, Data: map[string]any{"key": "k"}},
	}
	state := Materialize(facts, DefaultReducer)
	_, present := state["k"]
	assert.False(t, present)
}

func TestDefaultReducer_MembersAddAndRemove(t *testing.T) {
	facts := []types.Fact{
		{ID: 1, Type: types.FactCreated},
		{ID: 2, Type: types.FactMemberAdded, Data: map[string]any{"role": "owner", "entity_id": "e1"}},
		{ID: 3, Type: types.FactMemberAdded, Data: map[string]any{"role": "owner", "entity_id": "e2"}},
		{ID: 4, Type: types.FactMemberRemoved, Data: map[string]any{"role": "owner", "entity_id": "e1"}},
	}
	state := Materialize(facts, DefaultReducer)
	members, ok := state["members"].(map[string][]string)
	require.True(t, ok)
	assert.Equal(t, []string{"e2"}, members["owner"])
}

func TestGenusReducer_BuildsAttributesAndStates(t *testing.T) {
	facts := []types.Fact{
		{ID: 1, Type: types.FactGenusMetaSet, Data: map[string]any{"key": "name", "value": "Server"}},
		{ID: 2, Type: types.FactGenusAttributeDef, Data: map[string]any{
			"name":       "ip",
			"definition": map[string]any{"type": "text", "required": true},
		}},
		{ID: 3, Type: types.FactGenusStateDef, Data: map[string]any{
			"name":       "provisioning",
			"definition": map[string]any{"initial": true},
		}},
		{ID: 4, Type: types.FactGenusTransitionDef, Data: map[string]any{"from": "provisioning", "to": "active"}},
	}
	state := Materialize(facts, GenusReducer)

	meta := state["meta"].(map[string]any)
	assert.Equal(t, "Server", meta["name"])

	attrs := state["attributes"].(map[string]any)
	assert.Contains(t, attrs, "ip")

	states := state["states"].(map[string]any)
	assert.Contains(t, states, "provisioning")

	transitions := state["transitions"].([]map[string]any)
	require.Len(t, transitions, 1)
	assert.Equal(t, "active", transitions[0]["to"])
}

func TestProcessInstanceReducer_StepLifecycle(t *testing.T) {
	facts := []types.Fact{
		{ID: 1, Type: types.FactProcessStarted, Data: map[string]any{"context_res_id": "e1"}},
		{ID: 2, Type: types.FactStepActivated, Data: map[string]any{"step": "draft"}},
		{ID: 3, Type: types.FactStepTaskCreated, Data: map[string]any{"step": "draft", "task_id": "t1"}},
		{ID: 4, Type: types.FactStepCompleted, Data: map[string]any{"step": "draft", "result": "done"}},
		{ID: 5, Type: types.FactProcessCompleted},
	}
	state := Materialize(facts, ProcessInstanceReducer)
	assert.Equal(t, "completed", state["status"])

	steps := state["steps"].(map[string]types.State)
	draft := steps["draft"]
	assert.Equal(t, "completed", draft["status"])
	assert.Equal(t, "t1", draft["task_id"])
	assert.Equal(t, "done", draft["result"])
}
