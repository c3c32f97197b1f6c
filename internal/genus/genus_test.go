package genus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, Bootstrap(context.Background(), s, "main"))
	return s
}

func TestValidateAttributes_RejectsCaseInsensitiveDuplicate(t *testing.T) {
	err := ValidateAttributes([]NamedAttribute{
		{Name: "ip", Type: AttrText},
		{Name: "IP", Type: AttrText},
	})
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.ValidationError))
}

func TestValidateAttributes_RejectsUnknownType(t *testing.T) {
	err := ValidateAttributes([]NamedAttribute{{Name: "x", Type: "frobnicated"}})
	require.Error(t, err)
}

func TestValidateStateMachine_RequiresExactlyOneInitial(t *testing.T) {
	err := ValidateStateMachine([]NamedState{
		{Name: "draft", Initial: true},
		{Name: "active", Initial: true},
	}, nil)
	require.Error(t, err)

	err = ValidateStateMachine([]NamedState{
		{Name: "draft", Initial: false},
		{Name: "active", Initial: false},
	}, nil)
	require.Error(t, err)
}

func TestValidateStateMachine_RejectsTransitionToUndeclaredState(t *testing.T) {
	err := ValidateStateMachine(
		[]NamedState{{Name: "draft", Initial: true}},
		[]Transition{{From: "draft", To: "nonexistent"}},
	)
	require.Error(t, err)
}

func TestFindTransitionPath(t *testing.T) {
	transitions := []Transition{
		{From: "draft", To: "review"},
		{From: "review", To: "active"},
		{From: "review", To: "rejected"},
	}
	path, ok := FindTransitionPath(transitions, "draft", "active")
	require.True(t, ok)
	assert.Equal(t, []string{"draft", "review", "active"}, path)

	_, ok = FindTransitionPath(transitions, "active", "draft")
	assert.False(t, ok)
}

func TestDefineAndGet_EntityGenus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg := New(s)

	id, err := reg.Define(ctx, KindEntity, "Server", Input{
		Attributes: []NamedAttribute{{Name: "ip", Type: AttrText, Required: true}},
		States: []NamedState{
			{Name: "provisioning", Initial: true},
			{Name: "active"},
		},
		Transitions: []Transition{{From: "provisioning", To: "active"}},
	}, "", "main")
	require.NoError(t, err)

	def, err := reg.Get(ctx, id, "main")
	require.NoError(t, err)
	assert.Equal(t, KindEntity, def.Kind())
	assert.Equal(t, "Server", def.Name())
	assert.Equal(t, "provisioning", def.InitialState)
	assert.Contains(t, def.Attributes, "ip")
	assert.True(t, def.Attributes["ip"].Required)
}

func TestDefine_RejectsInvalidStateMachine(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg := New(s)

	_, err := reg.Define(ctx, KindEntity, "Broken", Input{
		States: []NamedState{{Name: "a", Initial: true}, {Name: "b", Initial: true}},
	}, "", "main")
	require.Error(t, err)
}

func TestEvolve_IsAdditiveOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg := New(s)

	id, err := reg.Define(ctx, KindEntity, "Server", Input{
		Attributes: []NamedAttribute{{Name: "ip", Type: AttrText}},
		States:     []NamedState{{Name: "active", Initial: true}},
	}, "", "main")
	require.NoError(t, err)

	// Evolving with an already-declared attribute must not duplicate or
	// overwrite it, and adding a genuinely new attribute must succeed.
	err = reg.Evolve(ctx, id, "main", Input{
		Attributes: []NamedAttribute{
			{Name: "ip", Type: AttrNumber}, // divergent type, should be ignored (already defined)
			{Name: "hostname", Type: AttrText},
		},
		Roles: []NamedRole{{Name: "owner", ValidMemberGenera: []string{"Team"}, Cardinality: "one"}},
	})
	require.NoError(t, err)

	def, err := reg.Get(ctx, id, "main")
	require.NoError(t, err)
	assert.Equal(t, AttrText, def.Attributes["ip"].Type, "existing attribute must not change type")
	assert.Contains(t, def.Attributes, "hostname")
	assert.Contains(t, def.Roles, "owner")

	// Evolving again with the same role but differently-cased member
	// genera must merge rather than duplicate.
	err = reg.Evolve(ctx, id, "main", Input{
		Roles: []NamedRole{{Name: "owner", ValidMemberGenera: []string{"team", "Squad"}, Cardinality: "one"}},
	})
	require.NoError(t, err)

	def, err = reg.Get(ctx, id, "main")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Team", "Squad"}, def.Roles["owner"].ValidMemberGenera)
}

func TestDeprecate_RejectsSentinelGenus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg := New(s)

	err := reg.Deprecate(ctx, idgen.SentinelID(SentinelLog), "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.SentinelProtected))
}
