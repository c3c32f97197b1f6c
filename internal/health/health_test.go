package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub002/internal/entity"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

func newTestHealth(t *testing.T) (*Service, *entity.Service, *genus.Registry, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, genus.Bootstrap(context.Background(), s, "main"))
	reg := genus.New(s)
	return New(s, reg), entity.New(s, reg), reg, s
}

func TestEvaluateHealth_CleanEntityHasNoIssues(t *testing.T) {
	ctx := context.Background()
	h, ent, reg, _ := newTestHealth(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "title", Type: genus.AttrText, Required: true}},
		States:     []genus.NamedState{{Name: "draft", Initial: true}, {Name: "published"}},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Annual Report", "main"))

	issues, err := h.EvaluateHealth(ctx, doc, "main")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestEvaluateHealth_MissingRequiredAttribute(t *testing.T) {
	ctx := context.Background()
	h, ent, reg, _ := newTestHealth(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "title", Type: genus.AttrText, Required: true}},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)

	issues, err := h.EvaluateHealth(ctx, doc, "main")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, MissingRequiredAttribute, issues[0].Kind)
	assert.Equal(t, "title", issues[0].Detail)
}

func TestEvaluateHealth_InvalidAttributeType(t *testing.T) {
	ctx := context.Background()
	h, ent, reg, s := newTestHealth(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "pages", Type: genus.AttrNumber}},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)

	// Bypass SetAttribute's own validation to simulate data written before
	// a type was tightened, which evaluate_health must still catch.
	_, err = s.AppendFact(ctx, doc, "main", types.FactAttributeSet, map[string]any{"key": "pages", "value": "not a number"}, "")
	require.NoError(t, err)

	issues, err := h.EvaluateHealth(ctx, doc, "main")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, InvalidAttributeType, issues[0].Kind)
}

func TestEvaluateHealth_InvalidStatus(t *testing.T) {
	ctx := context.Background()
	h, ent, reg, s := newTestHealth(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		States: []genus.NamedState{{Name: "draft", Initial: true}, {Name: "published"}},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)

	_, err = s.AppendFact(ctx, doc, "main", types.FactStatusChanged, map[string]any{"status": "deleted"}, "")
	require.NoError(t, err)

	issues, err := h.EvaluateHealth(ctx, doc, "main")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, InvalidStatus, issues[0].Kind)
	assert.Equal(t, "deleted", issues[0].Detail)
}

func TestEvaluateHealth_UnacknowledgedErrorAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	h, ent, reg, s := newTestHealth(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{}, "", "main")
	require.NoError(t, err)
	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)

	errID, err := idgen.NewEntityIDNow()
	require.NoError(t, err)
	require.NoError(t, s.CreateEntityRow(ctx, types.Res{ID: errID, GenusID: idgen.SentinelID(genus.SentinelError), BranchID: "main"}))
	_, err = s.AppendFact(ctx, errID, "main", types.FactCreated, map[string]any{}, "")
	require.NoError(t, err)
	_, err = s.AppendFact(ctx, errID, "main", types.FactStatusChanged, map[string]any{"status": "open"}, "")
	require.NoError(t, err)
	_, err = s.AppendFact(ctx, errID, "main", types.FactAttributeSet, map[string]any{"key": "res", "value": doc}, "")
	require.NoError(t, err)

	issues, err := h.EvaluateHealth(ctx, doc, "main")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, UnacknowledgedError, issues[0].Kind)
	assert.Equal(t, errID, issues[0].ErrorID)

	require.NoError(t, h.AcknowledgeError(ctx, errID, "2026-07-31T09:00:00Z", "main"))

	issues, err = h.EvaluateHealth(ctx, doc, "main")
	require.NoError(t, err)
	assert.Empty(t, issues)

	assert.Error(t, h.AcknowledgeError(ctx, errID, "2026-07-31T09:00:00Z", "main"), "re-acknowledging an already-acknowledged error is rejected")
}
