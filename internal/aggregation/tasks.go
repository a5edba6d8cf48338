package aggregation

import (
	"context"

	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/workflow"
)

// Bag keys shared with the surrounding validation layer
const (
	BagKeyDuplicateMatchPredicates = "duplicate_match_predicates"
	BagKeyTicketSet                = "aggregation_ticket_set"
)

// SalesLineAggregatorTask runs the rollup aggregator as a pipeline step
type SalesLineAggregatorTask struct {
	aggregator *SalesLineAggregator
}

// NewSalesLineAggregatorTask wraps the aggregator as a workflow task
func NewSalesLineAggregatorTask(aggregator *SalesLineAggregator) *SalesLineAggregatorTask {
	return &SalesLineAggregatorTask{aggregator: aggregator}
}

func (t *SalesLineAggregatorTask) Name() string  { return "sales-line-rollup-aggregation" }
func (t *SalesLineAggregatorTask) Priority() int { return 100 }

func (t *SalesLineAggregatorTask) ShouldRun(_ context.Context, wc *workflow.Context[models.SalesLine]) (bool, error) {
	return t.aggregator.ShouldRun(wc.Operation, wc.Original, wc.Target), nil
}

func (t *SalesLineAggregatorTask) Run(ctx context.Context, wc *workflow.Context[models.SalesLine]) error {
	seen := ticketSetFromBag(wc)
	return t.aggregator.Run(ctx, wc.Operation, wc.Original, wc.Target, seen)
}

// ticketSetFromBag shares one dedup set across every task invocation in a
// batch that reuses the same context bag.
func ticketSetFromBag(wc *workflow.Context[models.SalesLine]) TicketSet {
	if existing, ok := wc.Bag[BagKeyTicketSet].(TicketSet); ok {
		return existing
	}
	seen := NewTicketSet()
	wc.Bag[BagKeyTicketSet] = seen
	return seen
}

// BillingConfigurationMatchTask runs the uniqueness checker before
// persistence and aborts the pipeline when duplicates exist.
type BillingConfigurationMatchTask struct {
	checker *MatchPredicateChecker
}

// NewBillingConfigurationMatchTask wraps the checker as a workflow task
func NewBillingConfigurationMatchTask(checker *MatchPredicateChecker) *BillingConfigurationMatchTask {
	return &BillingConfigurationMatchTask{checker: checker}
}

func (t *BillingConfigurationMatchTask) Name() string  { return "billing-configuration-match-uniqueness" }
func (t *BillingConfigurationMatchTask) Priority() int { return 10 }

func (t *BillingConfigurationMatchTask) ShouldRun(_ context.Context, wc *workflow.Context[models.BillingConfiguration]) (bool, error) {
	return t.checker.ShouldRun(wc.Operation, wc.Original, wc.Target), nil
}

func (t *BillingConfigurationMatchTask) Run(ctx context.Context, wc *workflow.Context[models.BillingConfiguration]) error {
	duplicates, err := t.checker.Check(ctx, wc.Target)
	if err != nil {
		return err
	}

	if len(duplicates) > 0 {
		wc.Bag[BagKeyDuplicateMatchPredicates] = duplicates
		wc.Abort()
	}

	return nil
}
