// Package health implements the pure entity validator and the Error
// entity's open/acknowledged lifecycle. Nothing here mutates an entity's
// own state; it only reads the fold and, for errors, appends the
// acknowledgment fact.
package health

import (
	"context"

	"github.com/farant/smaragda-sub002/internal/branch"
	"github.com/farant/smaragda-sub002/internal/entity"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/idgen"
	"github.com/farant/smaragda-sub002/internal/kernelerr"
	"github.com/farant/smaragda-sub002/internal/materializer"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Issue kinds evaluate_health reports.
const (
	MissingRequiredAttribute = "missing_required_attribute"
	InvalidAttributeType     = "invalid_attribute_type"
	InvalidStatus            = "invalid_status"
	UnacknowledgedError      = "unacknowledged_error"
)

// Issue is one finding against a single entity.
type Issue struct {
	Kind   string
	Detail string
	// ErrorID is set only for UnacknowledgedError, naming the open Error
	// entity so the caller can pass it straight to AcknowledgeError.
	ErrorID string
}

// Service evaluates entity health and manages the Error entity lifecycle.
type Service struct {
	store  store.Store
	genus  *genus.Registry
	branch *branch.Service
}

func New(s store.Store, g *genus.Registry) *Service {
	return &Service{store: s, genus: g, branch: branch.New(s)}
}

// EvaluateHealth folds entityID, reads its genus, and reports every
// missing required attribute, type mismatch against the declared
// attribute types, invalid status (only when the genus declares any
// states), and open Error entity associated with it.
func (s *Service) EvaluateHealth(ctx context.Context, entityID, branch string) ([]Issue, error) {
	res, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	def, err := s.genus.Get(ctx, res.GenusID, branch)
	if err != nil {
		return nil, err
	}
	state, err := s.branch.MaterializeOnBranch(ctx, entityID, branch, materializer.DefaultReducer)
	if err != nil {
		return nil, err
	}

	var issues []Issue

	for name, attr := range def.Attributes {
		value, present := state[name]
		if attr.Required && (!present || value == nil || value == "") {
			issues = append(issues, Issue{Kind: MissingRequiredAttribute, Detail: name})
			continue
		}
		if present && value != nil {
			if err := entity.ValidateAttributeType(attr.Type, value); err != nil {
				issues = append(issues, Issue{Kind: InvalidAttributeType, Detail: name + ": " + err.Error()})
			}
		}
	}

	if len(def.States) > 0 {
		status, _ := state["status"].(string)
		if _, ok := def.States[status]; !ok {
			issues = append(issues, Issue{Kind: InvalidStatus, Detail: status})
		}
	}

	openErrors, err := s.openErrorsFor(ctx, entityID, branch)
	if err != nil {
		return nil, err
	}
	for _, errID := range openErrors {
		issues = append(issues, Issue{Kind: UnacknowledgedError, ErrorID: errID})
	}

	return issues, nil
}

// openErrorsFor scans every entity under the Error sentinel genus on
// branch and returns the ids of those still "open" whose "res" attribute
// names entityID. There is no index from entity to its errors, so this
// is a linear scan; real deployments are expected to keep the open-error
// set small relative to the kernel's entity count.
func (s *Service) openErrorsFor(ctx context.Context, entityID, branch string) ([]string, error) {
	ids, err := s.store.DistinctResIDsForBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	errorGenusID := idgen.SentinelID(genus.SentinelError)

	var open []string
	for id := range ids {
		res, err := s.store.GetEntity(ctx, id)
		if err != nil || res.GenusID != errorGenusID {
			continue
		}
		state, err := s.branch.MaterializeOnBranch(ctx, id, branch, materializer.DefaultReducer)
		if err != nil {
			return nil, err
		}
		if status, _ := state["status"].(string); status != "open" {
			continue
		}
		if assoc, _ := state["res"].(string); assoc == entityID {
			open = append(open, id)
		}
	}
	return open, nil
}

// AcknowledgeError transitions an open Error entity to acknowledged and
// stamps acknowledgedAt. It refuses to re-acknowledge an already
// acknowledged error.
func (s *Service) AcknowledgeError(ctx context.Context, errorID string, acknowledgedAt string, branch string) error {
	res, err := s.store.GetEntity(ctx, errorID)
	if err != nil {
		return err
	}
	if res.GenusID != idgen.SentinelID(genus.SentinelError) {
		return kernelerr.New(kernelerr.ValidationError, "entity %s is not an Error", errorID)
	}
	state, err := s.branch.MaterializeOnBranch(ctx, errorID, branch, materializer.DefaultReducer)
	if err != nil {
		return err
	}
	if status, _ := state["status"].(string); status != "open" {
		return kernelerr.New(kernelerr.InvalidTransition, "error %s is %q, not open", errorID, status)
	}

	return s.store.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.AppendFact(ctx, errorID, branch, types.FactStatusChanged, map[string]any{"status": "acknowledged"}, ""); err != nil {
			return err
		}
		_, err := tx.AppendFact(ctx, errorID, branch, types.FactAttributeSet, map[string]any{"key": "acknowledged_at", "value": acknowledgedAt}, "")
		return err
	})
}
