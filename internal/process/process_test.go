package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub002/internal/action"
	"github.com/farant/smaragda-sub002/internal/entity"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *entity.Service, *genus.Registry) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, genus.Bootstrap(context.Background(), s, "main"))
	reg := genus.New(s)
	ent := entity.New(s, reg)
	eng := action.New(s, reg)
	return New(s, reg, eng), ent, reg
}

// defineReviewProcess builds a single-lane process: a task_step, a
// gate_step waiting on it, then a fetch_step reading the context
// entity's "title" attribute. Mirrors a manuscript-review workflow.
func defineReviewProcess(t *testing.T, reg *genus.Registry) (processGenus, docGenus string) {
	t.Helper()
	ctx := context.Background()

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "title", Type: genus.AttrText}},
	}, "", "main")
	require.NoError(t, err)

	processGenus, err = reg.Define(ctx, genus.KindProcess, "Review", genus.Input{
		Lanes: []map[string]any{
			{"name": "main", "position": 0},
		},
		Steps: []map[string]any{
			{"name": "approve", "lane": "main", "position": 0, "type": "task_step",
				"title": "Approve document", "target_agent_type": "human"},
			{"name": "gate", "lane": "main", "position": 1, "type": "gate_step",
				"predecessor_steps": []string{"approve"}},
			{"name": "read_title", "lane": "main", "position": 2, "type": "fetch_step",
				"attribute": "title"},
		},
	}, "", "main")
	require.NoError(t, err)
	return processGenus, docGenus
}

func TestStartProcess_TaskStepBlocksLane(t *testing.T) {
	ctx := context.Background()
	sched, ent, reg := newTestScheduler(t)
	processGenus, docGenus := defineReviewProcess(t, reg)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Annual Report", "main"))

	instanceID, err := sched.StartProcess(ctx, processGenus, doc, "main")
	require.NoError(t, err)

	state, err := sched.instanceState(ctx, instanceID, "main")
	require.NoError(t, err)
	assert.Equal(t, "running", state["status"])

	steps := state["steps"].(map[string]types.State)
	assert.Equal(t, "active", steps["approve"]["status"])
	assert.NotEmpty(t, steps["approve"]["task_id"])
	_, gateSeen := steps["gate"]
	assert.False(t, gateSeen, "gate_step should not activate while the task_step blocks the lane")
}

func TestProcess_AutoAdvanceOnTaskCompletion(t *testing.T) {
	ctx := context.Background()
	sched, ent, reg := newTestScheduler(t)
	processGenus, docGenus := defineReviewProcess(t, reg)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Annual Report", "main"))

	instanceID, err := sched.StartProcess(ctx, processGenus, doc, "main")
	require.NoError(t, err)

	state, err := sched.instanceState(ctx, instanceID, "main")
	require.NoError(t, err)
	approveStep := state["steps"].(map[string]types.State)["approve"]
	taskID, _ := approveStep["task_id"].(string)
	require.NotEmpty(t, taskID, "task_step should have created a task and recorded its id")

	require.NoError(t, sched.CompleteTask(ctx, taskID, "approved", "main"))

	final, err := sched.instanceState(ctx, instanceID, "main")
	require.NoError(t, err)
	assert.Equal(t, "completed", final["status"])

	finalSteps := final["steps"].(map[string]types.State)
	assert.Equal(t, "completed", finalSteps["approve"]["status"])
	assert.Equal(t, "completed", finalSteps["gate"]["status"])
	assert.Equal(t, "completed", finalSteps["read_title"]["status"])
	assert.Equal(t, "Annual Report", finalSteps["read_title"]["result"])
}

func TestProcess_BranchStepSkipsIntermediateSteps(t *testing.T) {
	ctx := context.Background()
	sched, ent, reg := newTestScheduler(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "skip_review", Type: genus.AttrBoolean}},
	}, "", "main")
	require.NoError(t, err)

	processGenus, err := reg.Define(ctx, genus.KindProcess, "FastTrack", genus.Input{
		Lanes: []map[string]any{{"name": "main", "position": 0}},
		Steps: []map[string]any{
			{"name": "decide", "lane": "main", "position": 0, "type": "branch_step",
				"condition_attribute": "skip_review", "target_step": "finish"},
			{"name": "review", "lane": "main", "position": 1, "type": "fetch_step", "attribute": "skip_review"},
			{"name": "finish", "lane": "main", "position": 2, "type": "fetch_step", "attribute": "skip_review"},
		},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "skip_review", true, "main"))

	instanceID, err := sched.StartProcess(ctx, processGenus, doc, "main")
	require.NoError(t, err)

	state, err := sched.instanceState(ctx, instanceID, "main")
	require.NoError(t, err)
	assert.Equal(t, "completed", state["status"])

	steps := state["steps"].(map[string]types.State)
	assert.Equal(t, "completed", steps["decide"]["status"])
	assert.Equal(t, "skipped", steps["review"]["status"])
	assert.Equal(t, "completed", steps["finish"]["status"])
}

func TestNextOccurrence_ResolvesRelativeSchedule(t *testing.T) {
	after := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	next, ok, err := NextOccurrence(map[string]any{"schedule": "in 1 day"}, after)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, after.AddDate(0, 0, 1).Day(), next.Day())
}

func TestNextOccurrence_NoScheduleReturnsFalse(t *testing.T) {
	after := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	_, ok, err := NextOccurrence(map[string]any{}, after)
	require.NoError(t, err)
	assert.False(t, ok)
}
