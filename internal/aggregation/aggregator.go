package aggregation

import (
	"context"
	"fmt"
	"math"

	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/workflow"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ValueEpsilon is the smallest total-value change worth propagating to a
// parent rollup.
const ValueEpsilon = 0.01

// InvoiceStore is the invoice access the aggregator needs
type InvoiceStore interface {
	GetInvoices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Invoice, error)
	UpdateInvoice(ctx context.Context, invoice *models.Invoice) error
}

// LoadConfirmationStore is the load-confirmation access the aggregator needs
type LoadConfirmationStore interface {
	GetLoadConfirmations(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.LoadConfirmation, error)
	UpdateLoadConfirmation(ctx context.Context, lc *models.LoadConfirmation) error
}

// SalesLineStore answers the residual-line questions the aggregator asks
// when a line is moved away from an invoice.
type SalesLineStore interface {
	// CountOtherTicketLines counts sales lines for the given truck ticket
	// still assigned to the given invoice, excluding the line being moved.
	CountOtherTicketLines(ctx context.Context, ticketID, invoiceID, excludeLineID uuid.UUID) (int64, error)
}

// TicketSet deduplicates truck-ticket count adjustments within a single
// aggregation pass. It is passed through the call so the aggregator stays
// stateless across batches.
type TicketSet map[string]struct{}

// NewTicketSet returns an empty per-run dedup set
func NewTicketSet() TicketSet {
	return make(TicketSet)
}

// Record registers a (ticket, invoice, direction) triple and reports
// whether this is its first occurrence in the run.
func (s TicketSet) Record(ticketID, invoiceID uuid.UUID, direction string) bool {
	key := fmt.Sprintf("%s:%s:%s", ticketID, invoiceID, direction)
	if _, seen := s[key]; seen {
		return false
	}
	s[key] = struct{}{}
	return true
}

// SalesLineAggregator keeps invoice and load-confirmation rollups
// consistent with their assigned sales lines by applying incremental
// deltas instead of recomputing from scratch.
type SalesLineAggregator struct {
	invoices          InvoiceStore
	loadConfirmations LoadConfirmationStore
	salesLines        SalesLineStore
}

// NewSalesLineAggregator creates a new aggregator over the given stores
func NewSalesLineAggregator(invoices InvoiceStore, loadConfirmations LoadConfirmationStore, salesLines SalesLineStore) *SalesLineAggregator {
	return &SalesLineAggregator{
		invoices:          invoices,
		loadConfirmations: loadConfirmations,
		salesLines:        salesLines,
	}
}

// ShouldRun reports whether a sales-line change needs a rollup update:
// an invoice reassignment on a non-reversal, non-reversed line, any
// load-confirmation reassignment, or a value change beyond the epsilon.
func (a *SalesLineAggregator) ShouldRun(op workflow.Operation, original, target *models.SalesLine) bool {
	if target == nil {
		return false
	}

	var origInvoiceID, origLoadConfirmationID *uuid.UUID
	if original != nil {
		origInvoiceID = original.InvoiceID
		origLoadConfirmationID = original.LoadConfirmationID
	}

	if !target.IsReversal && !target.IsReversed && !uuidPtrEqual(origInvoiceID, target.InvoiceID) {
		return true
	}

	if !uuidPtrEqual(origLoadConfirmationID, target.LoadConfirmationID) {
		return true
	}

	if op == workflow.OperationUpdate && original != nil &&
		math.Abs(target.TotalValue-original.TotalValue) > ValueEpsilon {
		return true
	}

	return false
}

// Run applies the rollup deltas for one sales-line change. The target
// parent is updated first, then the original parent when the line moved
// away; identical parents are detected and the delta applied once.
// Reversal bookkeeping lines never count toward parent rollups, on
// either side of the change.
func (a *SalesLineAggregator) Run(ctx context.Context, op workflow.Operation, original, target *models.SalesLine, seen TicketSet) error {
	if target == nil {
		return errors.New("aggregation requires a target sales line")
	}
	if target.IsReversal || target.IsReversed {
		return nil
	}
	if original != nil && (original.IsReversal || original.IsReversed) {
		// the original snapshot never contributed, so there is nothing
		// to detach
		original = nil
	}
	if seen == nil {
		seen = NewTicketSet()
	}

	if err := a.applyLoadConfirmationDeltas(ctx, original, target); err != nil {
		return err
	}

	return a.applyInvoiceDeltas(ctx, original, target, seen)
}

func (a *SalesLineAggregator) applyLoadConfirmationDeltas(ctx context.Context, original, target *models.SalesLine) error {
	var origID *uuid.UUID
	var origValue float64
	if original != nil {
		origID = original.LoadConfirmationID
		origValue = original.TotalValue
	}

	ids := distinctIDs(target.LoadConfirmationID, origID)
	if len(ids) == 0 {
		return nil
	}

	confirmations, err := a.loadConfirmations.GetLoadConfirmations(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "failed to load confirmation parents")
	}

	moved := !uuidPtrEqual(origID, target.LoadConfirmationID)

	if target.LoadConfirmationID != nil {
		if lc, ok := confirmations[*target.LoadConfirmationID]; ok {
			if moved {
				lc.TotalCost += target.TotalValue
				lc.SalesLineCount++
			} else {
				lc.TotalCost += target.TotalValue - origValue
			}

			if err := a.loadConfirmations.UpdateLoadConfirmation(ctx, lc); err != nil {
				return errors.Wrap(err, "failed to update target load confirmation")
			}
		}
	}

	if moved && origID != nil {
		if lc, ok := confirmations[*origID]; ok {
			lc.SalesLineCount--
			lc.TotalCost -= origValue

			if err := a.loadConfirmations.UpdateLoadConfirmation(ctx, lc); err != nil {
				return errors.Wrap(err, "failed to update original load confirmation")
			}
		}
	}

	return nil
}

func (a *SalesLineAggregator) applyInvoiceDeltas(ctx context.Context, original, target *models.SalesLine, seen TicketSet) error {
	var origID *uuid.UUID
	var origValue float64
	var origBillingConfigID *uuid.UUID
	if original != nil {
		origID = original.InvoiceID
		origValue = original.TotalValue
		origBillingConfigID = original.BillingConfigurationID
	}

	ids := distinctIDs(target.InvoiceID, origID)
	if len(ids) == 0 {
		return nil
	}

	invoices, err := a.invoices.GetInvoices(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "failed to load invoice parents")
	}

	moved := !uuidPtrEqual(origID, target.InvoiceID)

	if target.InvoiceID != nil {
		if invoice, ok := invoices[*target.InvoiceID]; ok {
			if moved {
				invoice.InvoiceAmount += target.TotalValue
				invoice.SalesLineCount++

				if seen.Record(target.TruckTicketID, invoice.ID, "attach") {
					invoice.TruckTicketCount++
				}

				if target.BillingConfigurationID != nil {
					attachBillingConfiguration(invoice, *target.BillingConfigurationID)
				}
			} else {
				invoice.InvoiceAmount += target.TotalValue - origValue
			}

			if err := a.invoices.UpdateInvoice(ctx, invoice); err != nil {
				return errors.Wrap(err, "failed to update target invoice")
			}

			log.Debug().
				Str("invoice_id", invoice.ID.String()).
				Float64("invoice_amount", invoice.InvoiceAmount).
				Int("sales_line_count", invoice.SalesLineCount).
				Msg("Invoice rollup updated")
		}
	}

	if moved && origID != nil {
		if invoice, ok := invoices[*origID]; ok {
			invoice.SalesLineCount--
			invoice.InvoiceAmount -= origValue

			remaining, err := a.salesLines.CountOtherTicketLines(ctx, target.TruckTicketID, invoice.ID, target.ID)
			if err != nil {
				return errors.Wrap(err, "failed to count residual ticket lines")
			}
			if remaining == 0 && seen.Record(target.TruckTicketID, invoice.ID, "detach") {
				invoice.TruckTicketCount--
			}

			if origBillingConfigID != nil {
				detachBillingConfiguration(invoice, *origBillingConfigID)
			}

			if err := a.invoices.UpdateInvoice(ctx, invoice); err != nil {
				return errors.Wrap(err, "failed to update original invoice")
			}

			log.Debug().
				Str("invoice_id", invoice.ID.String()).
				Float64("invoice_amount", invoice.InvoiceAmount).
				Int("sales_line_count", invoice.SalesLineCount).
				Msg("Invoice rollup updated")
		}
	}

	return nil
}

// attachBillingConfiguration bumps the association count for a billing
// configuration, creating the association row on first use.
func attachBillingConfiguration(invoice *models.Invoice, billingConfigID uuid.UUID) {
	for i := range invoice.BillingConfigurations {
		if invoice.BillingConfigurations[i].BillingConfigurationID == billingConfigID {
			invoice.BillingConfigurations[i].AssociatedSalesLinesCount++
			return
		}
	}

	invoice.BillingConfigurations = append(invoice.BillingConfigurations, models.InvoiceBillingConfiguration{
		ID:                        uuid.New(),
		InvoiceID:                 invoice.ID,
		BillingConfigurationID:    billingConfigID,
		AssociatedSalesLinesCount: 1,
	})
}

// detachBillingConfiguration decrements the association count and removes
// the row once it reaches zero or below.
func detachBillingConfiguration(invoice *models.Invoice, billingConfigID uuid.UUID) {
	for i := range invoice.BillingConfigurations {
		if invoice.BillingConfigurations[i].BillingConfigurationID != billingConfigID {
			continue
		}

		invoice.BillingConfigurations[i].AssociatedSalesLinesCount--
		if invoice.BillingConfigurations[i].AssociatedSalesLinesCount <= 0 {
			invoice.BillingConfigurations = append(
				invoice.BillingConfigurations[:i],
				invoice.BillingConfigurations[i+1:]...,
			)
		}
		return
	}
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// distinctIDs collapses the original/target parent ids into a unique,
// non-nil id set so a no-op move triggers a single fetch.
func distinctIDs(ids ...*uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == nil {
			continue
		}
		duplicate := false
		for _, existing := range out {
			if existing == *id {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, *id)
		}
	}
	return out
}
