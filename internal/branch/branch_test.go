package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub002/internal/entity"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/store"
)

func newTestBranch(t *testing.T) (*Service, *entity.Service, *genus.Registry) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, genus.Bootstrap(context.Background(), s, "main"))
	reg := genus.New(s)
	return New(s), entity.New(s, reg), reg
}

func TestCreateBranch_RejectsMainAndDuplicateNames(t *testing.T) {
	ctx := context.Background()
	br, _, _ := newTestBranch(t)

	_, err := br.CreateBranch(ctx, "main", "")
	assert.Error(t, err)

	_, err = br.CreateBranch(ctx, "feature-x", "")
	require.NoError(t, err)

	_, err = br.CreateBranch(ctx, "feature-x", "")
	assert.Error(t, err)
}

func TestBranch_IsolatesChangesFromMain(t *testing.T) {
	ctx := context.Background()
	br, ent, reg := newTestBranch(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "title", Type: genus.AttrText}},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Draft", "main"))

	_, err = br.CreateBranch(ctx, "feature-x", "")
	require.NoError(t, err)

	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Final", "feature-x"))

	mainState, err := ent.Materialize(ctx, doc, "main")
	require.NoError(t, err)
	assert.Equal(t, "Draft", mainState["title"])

	branchState, err := ent.Materialize(ctx, doc, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, "Final", branchState["title"])
}

func TestBranch_InheritsPreForkFactsFromMain(t *testing.T) {
	ctx := context.Background()
	br, ent, reg := newTestBranch(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "title", Type: genus.AttrText}},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Shared Title", "main"))

	_, err = br.CreateBranch(ctx, "feature-x", "")
	require.NoError(t, err)

	branchState, err := ent.Materialize(ctx, doc, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, "Shared Title", branchState["title"])

	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Changed After Fork", "main"))

	branchState, err = ent.Materialize(ctx, doc, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, "Shared Title", branchState["title"], "branch should not see main facts recorded after the fork")
}

func TestDetectConflicts_FindsEntityChangedOnBothSides(t *testing.T) {
	ctx := context.Background()
	br, ent, reg := newTestBranch(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "title", Type: genus.AttrText}},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Draft", "main"))

	_, err = br.CreateBranch(ctx, "feature-x", "")
	require.NoError(t, err)

	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Branch Edit", "feature-x"))
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Main Edit", "main"))

	conflicts, err := br.DetectConflicts(ctx, "feature-x", "main")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, doc, conflicts[0].ResID)
	assert.Equal(t, "Document", conflicts[0].GenusName)
	assert.Equal(t, "Branch Edit", conflicts[0].SourceState["title"])
	assert.Equal(t, "Main Edit", conflicts[0].TargetState["title"])

	_, err = br.MergeBranch(ctx, "feature-x", "main", false)
	assert.Error(t, err, "merge without force should refuse when a conflict exists")
}

func TestMergeBranch_ForceMergeUnionsBothSidesWithNewIDs(t *testing.T) {
	ctx := context.Background()
	br, ent, reg := newTestBranch(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{
			{Name: "title", Type: genus.AttrText},
			{Name: "summary", Type: genus.AttrText},
		},
	}, "", "main")
	require.NoError(t, err)

	doc, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Draft", "main"))

	_, err = br.CreateBranch(ctx, "feature-x", "")
	require.NoError(t, err)

	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Branch Edit", "feature-x"))
	require.NoError(t, ent.SetAttribute(ctx, doc, "summary", "from branch", "feature-x"))
	require.NoError(t, ent.SetAttribute(ctx, doc, "title", "Main Edit", "main"))

	sourceFactsBefore, err := br.CollectEntityFacts(ctx, doc, "feature-x")
	require.NoError(t, err)
	sourceIDsBefore := map[int64]bool{}
	for _, f := range sourceFactsBefore {
		sourceIDsBefore[f.ID] = true
	}

	result, err := br.MergeBranch(ctx, "feature-x", "main", true)
	require.NoError(t, err)
	assert.True(t, result.Merged)
	assert.Greater(t, result.TessellaeCopied, 0)

	mainState, err := ent.Materialize(ctx, doc, "main")
	require.NoError(t, err)
	assert.Equal(t, "Branch Edit", mainState["title"], "later source-branch facts win by id order on replay")
	assert.Equal(t, "from branch", mainState["summary"])

	mergedFacts, err := br.CollectEntityFacts(ctx, doc, "main")
	require.NoError(t, err)
	for _, f := range mergedFacts {
		if f.Source == "merge:feature-x" {
			assert.False(t, sourceIDsBefore[f.ID], "merged facts must get freshly assigned ids, not reuse the source branch's ids")
		}
	}

	info, err := br.resolve(ctx, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, "merged", info.Status)
}

func TestMergeBranch_PreservesUntouchedRelationshipIndexOnTarget(t *testing.T) {
	ctx := context.Background()
	br, ent, reg := newTestBranch(t)

	docGenus, err := reg.Define(ctx, genus.KindEntity, "Document", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "title", Type: genus.AttrText}},
	}, "", "main")
	require.NoError(t, err)
	linkGenus, err := reg.Define(ctx, genus.KindRelationship, "Link", genus.Input{
		Roles: []genus.NamedRole{{Name: "items", ValidMemberGenera: []string{"Document"}, Cardinality: "zero_or_more"}},
	}, "", "main")
	require.NoError(t, err)

	docA, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)
	docB, err := ent.CreateEntity(ctx, docGenus, "main")
	require.NoError(t, err)

	// relUntouched is created on main, before the branch exists, and is
	// never touched by anything on feature-x: merge must not drop its
	// membership index.
	relUntouched, err := ent.CreateRelationship(ctx, linkGenus, map[string][]string{"items": {docA}}, nil, "main")
	require.NoError(t, err)

	_, err = br.CreateBranch(ctx, "feature-x", "")
	require.NoError(t, err)

	// relTouched is created directly on feature-x, so merge must copy its
	// facts to main and rebuild its index there.
	relTouched, err := ent.CreateRelationship(ctx, linkGenus, map[string][]string{"items": {docB}}, nil, "feature-x")
	require.NoError(t, err)

	result, err := br.MergeBranch(ctx, "feature-x", "main", true)
	require.NoError(t, err)
	assert.True(t, result.Merged)

	untouchedMembers, err := ent.RelationshipMembers(ctx, relUntouched, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{docA}, untouchedMembers["items"], "merge must not wipe a relationship's index on target that it never touched")

	touchedMembers, err := ent.RelationshipMembers(ctx, relTouched, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{docB}, touchedMembers["items"])
}
