package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

func newTestService(t *testing.T) (*Service, *genus.Registry) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, genus.Bootstrap(context.Background(), s, "main"))
	reg := genus.New(s)
	return New(s, reg), reg
}

func defineServerGenus(t *testing.T, reg *genus.Registry) string {
	t.Helper()
	id, err := reg.Define(context.Background(), genus.KindEntity, "Server", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "ip", Type: genus.AttrText, Required: true}},
		States: []genus.NamedState{
			{Name: "provisioning", Initial: true},
			{Name: "active"},
		},
		Transitions: []genus.Transition{{From: "provisioning", To: "active"}},
	}, "", "main")
	require.NoError(t, err)
	return id
}

func TestAttributeSetAndReplay(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)

	e1, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)

	state, err := svc.Materialize(ctx, e1, "main")
	require.NoError(t, err)
	assert.Equal(t, "provisioning", state["status"])

	require.NoError(t, svc.SetAttribute(ctx, e1, "ip", "10.0.0.1", "main"))
	require.NoError(t, svc.TransitionStatus(ctx, e1, "active", "main"))

	state, err = svc.Materialize(ctx, e1, "main")
	require.NoError(t, err)
	assert.Equal(t, "active", state["status"])
	assert.Equal(t, "10.0.0.1", state["ip"])
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)

	e1, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)
	require.NoError(t, svc.SetAttribute(ctx, e1, "ip", "10.0.0.1", "main"))
	require.NoError(t, svc.TransitionStatus(ctx, e1, "active", "main"))

	err = svc.TransitionStatus(ctx, e1, "provisioning", "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.InvalidTransition))
	assert.Contains(t, err.Error(), "active")
}

func TestSetAttribute_RejectsUnknownKey(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)

	e1, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)

	err = svc.SetAttribute(ctx, e1, "nonexistent", "value", "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.UnknownAttribute))
}

func TestSetAttribute_RejectsTypeMismatch(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)

	e1, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)

	err = svc.SetAttribute(ctx, e1, "ip", 42, "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.TypeMismatch))
}

func TestCreateEntity_RejectsDeprecatedGenus(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)
	require.NoError(t, reg.Deprecate(ctx, serverGenus, "main"))

	_, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.GenusDeprecated))
}

func defineFeatureGenus(t *testing.T, reg *genus.Registry, parentGenusName string, editableStatuses []string) string {
	t.Helper()
	meta := map[string]any{"parent_genus_name": parentGenusName}
	if editableStatuses != nil {
		meta["editable_parent_statuses"] = editableStatuses
	}
	id, err := reg.Define(context.Background(), genus.KindFeature, "ServerNote", genus.Input{
		Attributes: []genus.NamedAttribute{{Name: "body", Type: genus.AttrText}},
		Meta:       meta,
	}, "", "main")
	require.NoError(t, err)
	return id
}

func TestCreateFeature_ValidatesParentGenus(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)
	featureGenus := defineFeatureGenus(t, reg, "Server", nil)

	e1, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)

	featureID, err := svc.CreateFeature(ctx, e1, featureGenus, map[string]any{"body": "hello"}, "main")
	require.NoError(t, err)
	assert.NotEmpty(t, featureID)

	state, err := svc.Materialize(ctx, e1, "main")
	require.NoError(t, err)
	features, ok := state["features"].(map[string]types.State)
	require.True(t, ok)
	assert.Equal(t, "hello", features[featureID]["body"])
}

func TestSetFeatureAttribute_EnforcesEditableParentStatus(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)
	featureGenus := defineFeatureGenus(t, reg, "Server", []string{"provisioning"})

	e1, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)
	featureID, err := svc.CreateFeature(ctx, e1, featureGenus, nil, "main")
	require.NoError(t, err)

	require.NoError(t, svc.SetFeatureAttribute(ctx, e1, featureID, "body", "ok while provisioning", "main"))

	require.NoError(t, svc.SetAttribute(ctx, e1, "ip", "10.0.0.1", "main"))
	require.NoError(t, svc.TransitionStatus(ctx, e1, "active", "main"))

	err = svc.SetFeatureAttribute(ctx, e1, featureID, "body", "blocked now", "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.InvalidTransition))
}

func defineTeamAndOwnershipGenera(t *testing.T, reg *genus.Registry) (teamGenus, ownershipGenus string) {
	t.Helper()
	ctx := context.Background()
	teamGenus, err := reg.Define(ctx, genus.KindEntity, "Team", genus.Input{}, "", "main")
	require.NoError(t, err)
	ownershipGenus, err = reg.Define(ctx, genus.KindRelationship, "Ownership", genus.Input{
		Roles: []genus.NamedRole{
			{Name: "owner", ValidMemberGenera: []string{"Team"}, Cardinality: "one"},
			{Name: "server", ValidMemberGenera: []string{"Server"}, Cardinality: "one_or_more"},
		},
	}, "", "main")
	require.NoError(t, err)
	return teamGenus, ownershipGenus
}

func TestCreateRelationship_EnforcesCardinality(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)
	teamGenus, ownershipGenus := defineTeamAndOwnershipGenera(t, reg)

	team, err := svc.CreateEntity(ctx, teamGenus, "main")
	require.NoError(t, err)
	srv, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)

	_, err = svc.CreateRelationship(ctx, ownershipGenus, map[string][]string{
		"owner":  {team},
		"server": {srv},
	}, nil, "main")
	require.NoError(t, err)

	_, err = svc.CreateRelationship(ctx, ownershipGenus, map[string][]string{
		"server": {srv},
	}, nil, "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.CardinalityViolation))
}

func TestRemoveMember_EnforcesFloor(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)
	teamGenus, ownershipGenus := defineTeamAndOwnershipGenera(t, reg)

	team, err := svc.CreateEntity(ctx, teamGenus, "main")
	require.NoError(t, err)
	srv, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)

	relID, err := svc.CreateRelationship(ctx, ownershipGenus, map[string][]string{
		"owner":  {team},
		"server": {srv},
	}, nil, "main")
	require.NoError(t, err)

	err = svc.RemoveMember(ctx, relID, "server", srv, "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.CardinalityViolation))
}

func TestCreateRelationship_RequiresDeclaredRoles(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	defineServerGenus(t, reg)
	teamGenus, ownershipGenus := defineTeamAndOwnershipGenera(t, reg)

	team, err := svc.CreateEntity(ctx, teamGenus, "main")
	require.NoError(t, err)
	relID, err := svc.CreateRelationship(ctx, ownershipGenus, map[string][]string{
		"owner": {team},
	}, nil, "main")
	require.Error(t, err) // server role requires at least one member
	assert.Empty(t, relID)
}

func TestAddMember_RejectsWrongGenus(t *testing.T) {
	ctx := context.Background()
	svc, reg := newTestService(t)
	serverGenus := defineServerGenus(t, reg)
	teamGenus, ownershipGenus := defineTeamAndOwnershipGenera(t, reg)

	team, err := svc.CreateEntity(ctx, teamGenus, "main")
	require.NoError(t, err)
	srv, err := svc.CreateEntity(ctx, serverGenus, "main")
	require.NoError(t, err)
	relID, err := svc.CreateRelationship(ctx, ownershipGenus, map[string][]string{
		"owner":  {team},
		"server": {srv},
	}, nil, "main")
	require.NoError(t, err)

	err = svc.AddMember(ctx, relID, "owner", srv, "main")
	require.Error(t, err)
	assert.True(t, kernelerr.Of(err, kernelerr.SchemaViolation))
}
