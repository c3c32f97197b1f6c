package entity

import (
	"context"
	"strings"

	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// CreateRelationship validates every role in members against the
// relationship genus's role definitions (valid member genera and
// cardinality), then appends created, member_added per member, and
// attribute_set per attribute, updating the membership index in the same
// transaction.
func (s *Service) CreateRelationship(ctx context.Context, genusID string, members map[string][]string, attrs map[string]any, branch string) (string, error) {
	def, err := s.genus.Get(ctx, genusID, branch)
	if err != nil {
		return "", err
	}
	if err := s.validateMembers(ctx, def, members, branch); err != nil {
		return "", err
	}
	for key, value := range attrs {
		attr, ok := def.Attributes[key]
		if !ok {
			return "", kernelerr.New(kernelerr.UnknownAttribute, "genus %q has no attribute %q", def.Name(), key)
		}
		if err := ValidateAttributeType(attr.Type, value); err != nil {
			return "", err
		}
	}

	id, err := idgen.NewEntityIDNow()
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Storage, err, "allocate relationship id")
	}

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateEntityRow(ctx, types.Res{ID: id, GenusID: genusID, BranchID: branch}); err != nil {
			return err
		}
		if _, err := tx.AppendFact(ctx, id, branch, types.FactCreated, map[string]any{}, ""); err != nil {
			return err
		}
		for key, value := range attrs {
			if _, err := tx.AppendFact(ctx, id, branch, types.FactAttributeSet, map[string]any{"key": key, "value": value}, ""); err != nil {
				return err
			}
		}
		for role, entityIDs := range members {
			for _, entityID := range entityIDs {
				if _, err := tx.AppendFact(ctx, id, branch, types.FactMemberAdded, map[string]any{"role": role, "entity_id": entityID}, ""); err != nil {
					return err
				}
				if err := tx.UpsertRelationshipMember(ctx, id, role, entityID, branch); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) validateMembers(ctx context.Context, def genus.Def, members map[string][]string, branch string) error {
	for role, entityIDs := range members {
		roleDef, ok := def.Roles[role]
		if !ok {
			return kernelerr.New(kernelerr.SchemaViolation, "genus %q has no role %q", def.Name(), role)
		}
		if err := s.validateRoleCardinality(roleDef, len(entityIDs)); err != nil {
			return err
		}
		for _, entityID := range entityIDs {
			if err := s.validateMemberGenus(ctx, roleDef, entityID, branch); err != nil {
				return err
			}
		}
	}
	for role, roleDef := range def.Roles {
		if roleDef.Cardinality == "one" || roleDef.Cardinality == "one_or_more" {
			if len(members[role]) == 0 {
				return kernelerr.New(kernelerr.CardinalityViolation, "role %q requires at least one member", role)
			}
		}
	}
	return nil
}

func (s *Service) validateRoleCardinality(roleDef genus.NamedRole, count int) error {
	switch roleDef.Cardinality {
	case "one":
		if count != 1 {
			return kernelerr.New(kernelerr.CardinalityViolation, "role %q requires exactly one member, got %d", roleDef.Name, count)
		}
	case "one_or_more":
		if count < 1 {
			return kernelerr.New(kernelerr.CardinalityViolation, "role %q requires at least one member, got %d", roleDef.Name, count)
		}
	case "zero_or_more":
		// no floor or ceiling
	default:
		return kernelerr.New(kernelerr.SchemaViolation, "role %q has unknown cardinality %q", roleDef.Name, roleDef.Cardinality)
	}
	return nil
}

func (s *Service) validateMemberGenus(ctx context.Context, roleDef genus.NamedRole, entityID, branch string) error {
	member, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	memberDef, err := s.genus.Get(ctx, member.GenusID, branch)
	if err != nil {
		return err
	}
	for _, allowed := range roleDef.ValidMemberGenera {
		if strings.EqualFold(allowed, memberDef.Name()) {
			return nil
		}
	}
	return kernelerr.New(kernelerr.SchemaViolation, "role %q does not accept genus %q", roleDef.Name, memberDef.Name())
}

// AddMember validates entityID's genus against role's allowed member
// genera and enforces the cardinality ceiling before appending
// member_added and updating the index.
func (s *Service) AddMember(ctx context.Context, relationshipID, role, entityID, branch string) error {
	rel, err := s.store.GetEntity(ctx, relationshipID)
	if err != nil {
		return err
	}
	def, err := s.genus.Get(ctx, rel.GenusID, branch)
	if err != nil {
		return err
	}
	roleDef, ok := def.Roles[role]
	if !ok {
		return kernelerr.New(kernelerr.SchemaViolation, "genus %q has no role %q", def.Name(), role)
	}
	if err := s.validateMemberGenus(ctx, roleDef, entityID, branch); err != nil {
		return err
	}

	current, err := s.store.RelationshipMembers(ctx, relationshipID, branch)
	if err != nil {
		return err
	}
	if roleDef.Cardinality == "one" && len(current[role]) >= 1 {
		return kernelerr.New(kernelerr.CardinalityViolation, "role %q already has its one member", role)
	}

	return s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.AppendFact(ctx, relationshipID, branch, types.FactMemberAdded, map[string]any{"role": role, "entity_id": entityID}, ""); err != nil {
			return err
		}
		return tx.UpsertRelationshipMember(ctx, relationshipID, role, entityID, branch)
	})
}

// RemoveMember enforces the cardinality floor before appending
// member_removed and updating the index.
func (s *Service) RemoveMember(ctx context.Context, relationshipID, role, entityID, branch string) error {
	rel, err := s.store.GetEntity(ctx, relationshipID)
	if err != nil {
		return err
	}
	def, err := s.genus.Get(ctx, rel.GenusID, branch)
	if err != nil {
		return err
	}
	roleDef, ok := def.Roles[role]
	if !ok {
		return kernelerr.New(kernelerr.SchemaViolation, "genus %q has no role %q", def.Name(), role)
	}

	current, err := s.store.RelationshipMembers(ctx, relationshipID, branch)
	if err != nil {
		return err
	}
	if (roleDef.Cardinality == "one" || roleDef.Cardinality == "one_or_more") && len(current[role]) <= 1 {
		return kernelerr.New(kernelerr.CardinalityViolation, "role %q requires at least one member", role)
	}

	return s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.AppendFact(ctx, relationshipID, branch, types.FactMemberRemoved, map[string]any{"role": role, "entity_id": entityID}, ""); err != nil {
			return err
		}
		return tx.RemoveRelationshipMember(ctx, relationshipID, role, entityID, branch)
	})
}

// RelationshipsByMember is a pass-through to the denormalized index.
func (s *Service) RelationshipsByMember(ctx context.Context, entityID, branch string) ([]string, error) {
	return s.store.RelationshipsByMember(ctx, entityID, branch)
}

// RelationshipMembers is a pass-through to the denormalized index.
func (s *Service) RelationshipMembers(ctx context.Context, relationshipID, branch string) (map[string][]string, error) {
	return s.store.RelationshipMembers(ctx, relationshipID, branch)
}
