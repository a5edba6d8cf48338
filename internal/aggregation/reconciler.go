package aggregation

import (
	"context"
	"math"
	"time"

	"example.com/backstage/services/billing/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RollupSource feeds the reconciler the current assignment state
type RollupSource interface {
	InvoiceIDsTouchedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	LoadConfirmationIDsTouchedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	LinesForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]models.SalesLine, error)
	LinesForLoadConfirmation(ctx context.Context, lcID uuid.UUID) ([]models.SalesLine, error)
}

// Reconciler recomputes invoice and load-confirmation rollups from the
// sales-line table. Incremental deltas accumulate float drift and lose
// races between concurrent writers; the periodic full recompute repairs
// both.
type Reconciler struct {
	source            RollupSource
	invoices          InvoiceStore
	loadConfirmations LoadConfirmationStore
	lookback          time.Duration
}

// NewReconciler creates a reconciler covering parents touched within the
// lookback window.
func NewReconciler(source RollupSource, invoices InvoiceStore, loadConfirmations LoadConfirmationStore, lookback time.Duration) *Reconciler {
	return &Reconciler{
		source:            source,
		invoices:          invoices,
		loadConfirmations: loadConfirmations,
		lookback:          lookback,
	}
}

// Reconcile runs one reconciliation pass and returns the number of
// repaired parents.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	since := time.Now().Add(-r.lookback)
	repaired := 0

	invoiceIDs, err := r.source.InvoiceIDsTouchedSince(ctx, since)
	if err != nil {
		return repaired, errors.Wrap(err, "failed to list invoices for reconciliation")
	}

	for _, id := range invoiceIDs {
		fixed, err := r.reconcileInvoice(ctx, id)
		if err != nil {
			return repaired, err
		}
		if fixed {
			repaired++
		}
	}

	lcIDs, err := r.source.LoadConfirmationIDsTouchedSince(ctx, since)
	if err != nil {
		return repaired, errors.Wrap(err, "failed to list load confirmations for reconciliation")
	}

	for _, id := range lcIDs {
		fixed, err := r.reconcileLoadConfirmation(ctx, id)
		if err != nil {
			return repaired, err
		}
		if fixed {
			repaired++
		}
	}

	return repaired, nil
}

func (r *Reconciler) reconcileInvoice(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	invoices, err := r.invoices.GetInvoices(ctx, []uuid.UUID{invoiceID})
	if err != nil {
		return false, errors.Wrap(err, "failed to load invoice for reconciliation")
	}
	invoice, ok := invoices[invoiceID]
	if !ok {
		return false, nil
	}

	lines, err := r.source.LinesForInvoice(ctx, invoiceID)
	if err != nil {
		return false, errors.Wrap(err, "failed to load invoice sales lines")
	}

	var amount float64
	lineCount := 0
	tickets := make(map[uuid.UUID]struct{})
	associations := make(map[uuid.UUID]int)

	for _, line := range lines {
		if line.IsReversed || line.IsReversal {
			continue
		}
		amount += line.TotalValue
		lineCount++
		tickets[line.TruckTicketID] = struct{}{}
		if line.BillingConfigurationID != nil {
			associations[*line.BillingConfigurationID]++
		}
	}

	drifted := math.Abs(invoice.InvoiceAmount-amount) > ValueEpsilon ||
		invoice.SalesLineCount != lineCount ||
		invoice.TruckTicketCount != len(tickets) ||
		!associationsMatch(invoice.BillingConfigurations, associations)
	if !drifted {
		return false, nil
	}

	log.Warn().
		Str("invoice_id", invoiceID.String()).
		Float64("stored_amount", invoice.InvoiceAmount).
		Float64("computed_amount", amount).
		Int("stored_lines", invoice.SalesLineCount).
		Int("computed_lines", lineCount).
		Msg("Invoice rollup drift repaired")

	invoice.InvoiceAmount = amount
	invoice.SalesLineCount = lineCount
	invoice.TruckTicketCount = len(tickets)
	invoice.BillingConfigurations = rebuildAssociations(invoice, associations)

	if err := r.invoices.UpdateInvoice(ctx, invoice); err != nil {
		return false, errors.Wrap(err, "failed to persist reconciled invoice")
	}
	return true, nil
}

func (r *Reconciler) reconcileLoadConfirmation(ctx context.Context, lcID uuid.UUID) (bool, error) {
	confirmations, err := r.loadConfirmations.GetLoadConfirmations(ctx, []uuid.UUID{lcID})
	if err != nil {
		return false, errors.Wrap(err, "failed to load confirmation for reconciliation")
	}
	lc, ok := confirmations[lcID]
	if !ok {
		return false, nil
	}

	lines, err := r.source.LinesForLoadConfirmation(ctx, lcID)
	if err != nil {
		return false, errors.Wrap(err, "failed to load confirmation sales lines")
	}

	var cost float64
	lineCount := 0
	for _, line := range lines {
		if line.IsReversed || line.IsReversal {
			continue
		}
		cost += line.TotalValue
		lineCount++
	}

	if math.Abs(lc.TotalCost-cost) <= ValueEpsilon && lc.SalesLineCount == lineCount {
		return false, nil
	}

	log.Warn().
		Str("load_confirmation_id", lcID.String()).
		Float64("stored_cost", lc.TotalCost).
		Float64("computed_cost", cost).
		Msg("Load confirmation rollup drift repaired")

	lc.TotalCost = cost
	lc.SalesLineCount = lineCount

	if err := r.loadConfirmations.UpdateLoadConfirmation(ctx, lc); err != nil {
		return false, errors.Wrap(err, "failed to persist reconciled load confirmation")
	}
	return true, nil
}

func associationsMatch(current []models.InvoiceBillingConfiguration, computed map[uuid.UUID]int) bool {
	if len(current) != len(computed) {
		return false
	}
	for _, assoc := range current {
		if computed[assoc.BillingConfigurationID] != assoc.AssociatedSalesLinesCount {
			return false
		}
	}
	return true
}

// rebuildAssociations keeps existing row ids where possible so the store
// updates rows in place instead of churning them.
func rebuildAssociations(invoice *models.Invoice, computed map[uuid.UUID]int) []models.InvoiceBillingConfiguration {
	out := make([]models.InvoiceBillingConfiguration, 0, len(computed))
	existing := make(map[uuid.UUID]models.InvoiceBillingConfiguration, len(invoice.BillingConfigurations))
	for _, assoc := range invoice.BillingConfigurations {
		existing[assoc.BillingConfigurationID] = assoc
	}

	for billingConfigID, count := range computed {
		assoc, ok := existing[billingConfigID]
		if !ok {
			assoc = models.InvoiceBillingConfiguration{
				ID:                     uuid.New(),
				InvoiceID:              invoice.ID,
				BillingConfigurationID: billingConfigID,
			}
		}
		assoc.AssociatedSalesLinesCount = count
		out = append(out, assoc)
	}
	return out
}
