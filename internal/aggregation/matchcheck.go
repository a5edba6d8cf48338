package aggregation

import (
	"context"
	"time"

	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/workflow"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// BillingConfigurationStore is the lookup the uniqueness checker needs
type BillingConfigurationStore interface {
	// ListActiveOverlapping returns every other billing configuration with
	// at least one enabled match predicate whose validity window covers now.
	ListActiveOverlapping(ctx context.Context, now time.Time, excludeID uuid.UUID) ([]models.BillingConfiguration, error)
}

// DuplicateMatch identifies one of the target's predicates whose hash
// collides with an enabled predicate of another active configuration.
type DuplicateMatch struct {
	PredicateID            uuid.UUID `json:"predicate_id"`
	Hash                   string    `json:"hash"`
	BillingConfigurationID uuid.UUID `json:"billing_configuration_id"`
}

// MatchPredicateChecker enforces match-predicate hash uniqueness across
// active billing configurations before they are persisted.
type MatchPredicateChecker struct {
	store BillingConfigurationStore
	now   func() time.Time
}

// NewMatchPredicateChecker creates a checker using the wall clock
func NewMatchPredicateChecker(store BillingConfigurationStore) *MatchPredicateChecker {
	return &MatchPredicateChecker{store: store, now: time.Now}
}

// ShouldRun limits the check to configurations flagged for automatic
// matching; default configurations are exempt.
func (c *MatchPredicateChecker) ShouldRun(op workflow.Operation, _, target *models.BillingConfiguration) bool {
	if target == nil {
		return false
	}
	if op != workflow.OperationInsert && op != workflow.OperationUpdate {
		return false
	}
	return target.IncludeForAutomation && !target.IsDefaultConfiguration
}

// Check returns the target's duplicate predicates, grouped by predicate id
// keeping the first colliding configuration encountered. An empty result
// means the configuration is valid.
func (c *MatchPredicateChecker) Check(ctx context.Context, target *models.BillingConfiguration) ([]DuplicateMatch, error) {
	now := c.now()

	others, err := c.store.ListActiveOverlapping(ctx, now, target.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list overlapping billing configurations")
	}

	// First configuration claiming each hash wins.
	claimed := make(map[string]uuid.UUID)
	for _, other := range others {
		if other.ID == target.ID {
			continue
		}
		for _, predicate := range other.MatchCriteria {
			if !predicate.IsEnabled || !predicate.ActiveAt(now) {
				continue
			}
			if _, ok := claimed[predicate.Hash]; !ok {
				claimed[predicate.Hash] = other.ID
			}
		}
	}

	var duplicates []DuplicateMatch
	reported := make(map[uuid.UUID]struct{})
	for _, predicate := range target.MatchCriteria {
		if !predicate.IsEnabled || !predicate.ActiveAt(now) {
			continue
		}
		owner, collides := claimed[predicate.Hash]
		if !collides {
			continue
		}
		if _, ok := reported[predicate.ID]; ok {
			continue
		}
		reported[predicate.ID] = struct{}{}
		duplicates = append(duplicates, DuplicateMatch{
			PredicateID:            predicate.ID,
			Hash:                   predicate.Hash,
			BillingConfigurationID: owner,
		})
	}

	return duplicates, nil
}
