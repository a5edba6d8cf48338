package aggregation

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/workflow"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memoryStore backs the aggregator with plain maps so tests can run whole
// assignment sequences and assert the rollup invariants after each step.
type memoryStore struct {
	invoices          map[uuid.UUID]*models.Invoice
	loadConfirmations map[uuid.UUID]*models.LoadConfirmation
	lines             map[uuid.UUID]*models.SalesLine
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		invoices:          make(map[uuid.UUID]*models.Invoice),
		loadConfirmations: make(map[uuid.UUID]*models.LoadConfirmation),
		lines:             make(map[uuid.UUID]*models.SalesLine),
	}
}

func (s *memoryStore) GetInvoices(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Invoice, error) {
	out := make(map[uuid.UUID]*models.Invoice)
	for _, id := range ids {
		if invoice, ok := s.invoices[id]; ok {
			out[id] = invoice
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateInvoice(_ context.Context, invoice *models.Invoice) error {
	s.invoices[invoice.ID] = invoice
	return nil
}

func (s *memoryStore) GetLoadConfirmations(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.LoadConfirmation, error) {
	out := make(map[uuid.UUID]*models.LoadConfirmation)
	for _, id := range ids {
		if lc, ok := s.loadConfirmations[id]; ok {
			out[id] = lc
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateLoadConfirmation(_ context.Context, lc *models.LoadConfirmation) error {
	s.loadConfirmations[lc.ID] = lc
	return nil
}

func (s *memoryStore) CountOtherTicketLines(_ context.Context, ticketID, invoiceID, excludeLineID uuid.UUID) (int64, error) {
	var count int64
	for _, line := range s.lines {
		if line.ID == excludeLineID || line.InvoiceID == nil {
			continue
		}
		if line.TruckTicketID == ticketID && *line.InvoiceID == invoiceID {
			count++
		}
	}
	return count, nil
}

// apply runs one operation through the aggregator and records the target
// snapshot as the line's new persisted state.
func (s *memoryStore) apply(t *testing.T, agg *SalesLineAggregator, op workflow.Operation, original, target *models.SalesLine, seen TicketSet) {
	t.Helper()
	if agg.ShouldRun(op, original, target) {
		require.NoError(t, agg.Run(context.Background(), op, original, target, seen))
	}
	copied := *target
	s.lines[target.ID] = &copied
}

func newTestAggregator(store *memoryStore) *SalesLineAggregator {
	return NewSalesLineAggregator(store, store, store)
}

func line(ticketID uuid.UUID, value float64) *models.SalesLine {
	return &models.SalesLine{
		ID:            uuid.New(),
		TruckTicketID: ticketID,
		TotalValue:    value,
		Status:        models.SalesLineStatusApproved,
	}
}

func withInvoice(l *models.SalesLine, invoiceID uuid.UUID) *models.SalesLine {
	copied := *l
	copied.InvoiceID = &invoiceID
	return &copied
}

func TestShouldRun(t *testing.T) {
	invoiceA := uuid.New()
	invoiceB := uuid.New()
	lcA := uuid.New()
	ticket := uuid.New()

	base := models.SalesLine{ID: uuid.New(), TruckTicketID: ticket, TotalValue: 100, InvoiceID: &invoiceA}

	agg := newTestAggregator(newMemoryStore())

	tests := []struct {
		name     string
		op       workflow.Operation
		original *models.SalesLine
		target   *models.SalesLine
		want     bool
	}{
		{
			name:   "insert with invoice assignment",
			op:     workflow.OperationInsert,
			target: &base,
			want:   true,
		},
		{
			name:     "update with unchanged assignment and value",
			op:       workflow.OperationUpdate,
			original: &base,
			target:   &base,
			want:     false,
		},
		{
			name:     "invoice reassignment",
			op:       workflow.OperationUpdate,
			original: &base,
			target:   func() *models.SalesLine { c := base; c.InvoiceID = &invoiceB; return &c }(),
			want:     true,
		},
		{
			name:     "reversal line invoice change ignored",
			op:       workflow.OperationUpdate,
			original: &base,
			target: func() *models.SalesLine {
				c := base
				c.InvoiceID = &invoiceB
				c.IsReversal = true
				return &c
			}(),
			want: false,
		},
		{
			name:     "reversal line load confirmation change still runs",
			op:       workflow.OperationUpdate,
			original: &base,
			target: func() *models.SalesLine {
				c := base
				c.IsReversal = true
				c.LoadConfirmationID = &lcA
				return &c
			}(),
			want: true,
		},
		{
			name:     "value change above epsilon",
			op:       workflow.OperationUpdate,
			original: &base,
			target:   func() *models.SalesLine { c := base; c.TotalValue = 100.02; return &c }(),
			want:     true,
		},
		{
			name:     "value change within epsilon",
			op:       workflow.OperationUpdate,
			original: &base,
			target:   func() *models.SalesLine { c := base; c.TotalValue = 100.005; return &c }(),
			want:     false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, agg.ShouldRun(tc.op, tc.original, tc.target))
		})
	}
}

func TestAssignAndReassignBetweenInvoices(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	invoiceI := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1"}
	invoiceJ := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-2"}
	store.invoices[invoiceI.ID] = invoiceI
	store.invoices[invoiceJ.ID] = invoiceJ

	ticket := uuid.New()
	unassigned := line(ticket, 100)
	assigned := withInvoice(unassigned, invoiceI.ID)

	store.apply(t, agg, workflow.OperationInsert, nil, assigned, NewTicketSet())

	require.Equal(t, 100.0, invoiceI.InvoiceAmount)
	require.Equal(t, 1, invoiceI.SalesLineCount)
	require.Equal(t, 1, invoiceI.TruckTicketCount)

	moved := withInvoice(assigned, invoiceJ.ID)
	store.apply(t, agg, workflow.OperationUpdate, assigned, moved, NewTicketSet())

	require.Equal(t, 0.0, invoiceI.InvoiceAmount)
	require.Equal(t, 0, invoiceI.SalesLineCount)
	require.Equal(t, 0, invoiceI.TruckTicketCount)
	require.Equal(t, 100.0, invoiceJ.InvoiceAmount)
	require.Equal(t, 1, invoiceJ.SalesLineCount)
	require.Equal(t, 1, invoiceJ.TruckTicketCount)
}

func TestValueChangeAppliesDeltaOnce(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	invoice := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1"}
	store.invoices[invoice.ID] = invoice

	ticket := uuid.New()
	original := withInvoice(line(ticket, 250), invoice.ID)
	store.apply(t, agg, workflow.OperationInsert, nil, original, NewTicketSet())

	repriced := *original
	repriced.TotalValue = 175.50
	store.apply(t, agg, workflow.OperationUpdate, original, &repriced, NewTicketSet())

	require.InDelta(t, 175.50, invoice.InvoiceAmount, 1e-9)
	require.Equal(t, 1, invoice.SalesLineCount)
	require.Equal(t, 1, invoice.TruckTicketCount)
}

func TestAdditiveInvariantOverOperationSequence(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	invoice := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1"}
	other := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-2"}
	store.invoices[invoice.ID] = invoice
	store.invoices[other.ID] = other

	assigned := make([]*models.SalesLine, 0)
	checkInvariant := func() {
		var want float64
		count := 0
		for _, l := range store.lines {
			if l.InvoiceID == nil || *l.InvoiceID != invoice.ID || l.IsReversed || l.IsReversal {
				continue
			}
			want += l.TotalValue
			count++
		}
		require.InDelta(t, want, invoice.InvoiceAmount, ValueEpsilon)
		require.Equal(t, count, invoice.SalesLineCount)
	}

	for _, value := range []float64{12.5, 340, 99.99, 0.02} {
		l := withInvoice(line(uuid.New(), value), invoice.ID)
		store.apply(t, agg, workflow.OperationInsert, nil, l, NewTicketSet())
		assigned = append(assigned, l)
		checkInvariant()
	}

	// Move one line away, reprice another, then move the first one back.
	moved := withInvoice(assigned[1], other.ID)
	store.apply(t, agg, workflow.OperationUpdate, assigned[1], moved, NewTicketSet())
	checkInvariant()

	repriced := *assigned[2]
	repriced.TotalValue = 150
	store.apply(t, agg, workflow.OperationUpdate, assigned[2], &repriced, NewTicketSet())
	assigned[2] = &repriced
	checkInvariant()

	returned := withInvoice(moved, invoice.ID)
	store.apply(t, agg, workflow.OperationUpdate, moved, returned, NewTicketSet())
	checkInvariant()
}

func TestTruckTicketCountDeduplicatedWithinBatch(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	invoice := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1"}
	store.invoices[invoice.ID] = invoice

	ticket := uuid.New()
	seen := NewTicketSet()

	first := withInvoice(line(ticket, 40), invoice.ID)
	second := withInvoice(line(ticket, 60), invoice.ID)
	store.apply(t, agg, workflow.OperationInsert, nil, first, seen)
	store.apply(t, agg, workflow.OperationInsert, nil, second, seen)

	require.Equal(t, 100.0, invoice.InvoiceAmount)
	require.Equal(t, 2, invoice.SalesLineCount)
	require.Equal(t, 1, invoice.TruckTicketCount)
}

func TestTruckTicketCountKeptWhileTicketHasResidualLines(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	invoice := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1"}
	other := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-2"}
	store.invoices[invoice.ID] = invoice
	store.invoices[other.ID] = other

	ticket := uuid.New()
	seen := NewTicketSet()
	first := withInvoice(line(ticket, 40), invoice.ID)
	second := withInvoice(line(ticket, 60), invoice.ID)
	store.apply(t, agg, workflow.OperationInsert, nil, first, seen)
	store.apply(t, agg, workflow.OperationInsert, nil, second, seen)

	// Moving one of the two ticket lines keeps the ticket counted.
	moved := withInvoice(second, other.ID)
	store.apply(t, agg, workflow.OperationUpdate, second, moved, NewTicketSet())
	require.Equal(t, 1, invoice.TruckTicketCount)

	// Moving the last one releases it.
	movedFirst := withInvoice(first, other.ID)
	store.apply(t, agg, workflow.OperationUpdate, first, movedFirst, NewTicketSet())
	require.Equal(t, 0, invoice.TruckTicketCount)
}

func TestBillingConfigurationAssociationLifecycle(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	invoice := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1"}
	other := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-2"}
	store.invoices[invoice.ID] = invoice
	store.invoices[other.ID] = other

	billingConfig := uuid.New()

	first := withInvoice(line(uuid.New(), 10), invoice.ID)
	first.BillingConfigurationID = &billingConfig
	second := withInvoice(line(uuid.New(), 20), invoice.ID)
	second.BillingConfigurationID = &billingConfig

	store.apply(t, agg, workflow.OperationInsert, nil, first, NewTicketSet())
	store.apply(t, agg, workflow.OperationInsert, nil, second, NewTicketSet())

	require.Len(t, invoice.BillingConfigurations, 1)
	require.Equal(t, billingConfig, invoice.BillingConfigurations[0].BillingConfigurationID)
	require.Equal(t, 2, invoice.BillingConfigurations[0].AssociatedSalesLinesCount)

	moved := withInvoice(first, other.ID)
	store.apply(t, agg, workflow.OperationUpdate, first, moved, NewTicketSet())
	require.Equal(t, 1, invoice.BillingConfigurations[0].AssociatedSalesLinesCount)

	movedSecond := withInvoice(second, other.ID)
	store.apply(t, agg, workflow.OperationUpdate, second, movedSecond, NewTicketSet())

	// Zero-count associations must be removed entirely.
	require.Empty(t, invoice.BillingConfigurations)
	require.Len(t, other.BillingConfigurations, 1)
	require.Equal(t, 2, other.BillingConfigurations[0].AssociatedSalesLinesCount)
}

func TestLoadConfirmationRollups(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	lcA := &models.LoadConfirmation{ID: uuid.New(), Number: "LC-1"}
	lcB := &models.LoadConfirmation{ID: uuid.New(), Number: "LC-2"}
	store.loadConfirmations[lcA.ID] = lcA
	store.loadConfirmations[lcB.ID] = lcB

	l := line(uuid.New(), 500)
	assigned := *l
	assigned.LoadConfirmationID = &lcA.ID
	store.apply(t, agg, workflow.OperationInsert, nil, &assigned, NewTicketSet())

	require.Equal(t, 500.0, lcA.TotalCost)
	require.Equal(t, 1, lcA.SalesLineCount)

	moved := assigned
	moved.LoadConfirmationID = &lcB.ID
	store.apply(t, agg, workflow.OperationUpdate, &assigned, &moved, NewTicketSet())

	require.Equal(t, 0.0, lcA.TotalCost)
	require.Equal(t, 0, lcA.SalesLineCount)
	require.Equal(t, 500.0, lcB.TotalCost)
	require.Equal(t, 1, lcB.SalesLineCount)
}

func TestReversalLinesNeverCountTowardRollups(t *testing.T) {
	store := newMemoryStore()
	agg := newTestAggregator(store)

	invoice := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1"}
	store.invoices[invoice.ID] = invoice
	lc := &models.LoadConfirmation{ID: uuid.New(), Number: "LC-1"}
	store.loadConfirmations[lc.ID] = lc

	reversal := withInvoice(line(uuid.New(), 100), invoice.ID)
	reversal.IsReversal = true
	reversal.LoadConfirmationID = &lc.ID
	store.apply(t, agg, workflow.OperationInsert, nil, reversal, NewTicketSet())

	require.Equal(t, 0.0, invoice.InvoiceAmount)
	require.Equal(t, 0, invoice.SalesLineCount)
	require.Equal(t, 0, invoice.TruckTicketCount)
	require.Equal(t, 0.0, lc.TotalCost)
	require.Equal(t, 0, lc.SalesLineCount)

	reversed := withInvoice(line(uuid.New(), 50), invoice.ID)
	reversed.IsReversed = true
	reversed.LoadConfirmationID = &lc.ID
	store.apply(t, agg, workflow.OperationInsert, nil, reversed, NewTicketSet())

	require.Equal(t, 0.0, invoice.InvoiceAmount)
	require.Equal(t, 0, invoice.SalesLineCount)
	require.Equal(t, 0.0, lc.TotalCost)

	// Moving a reversal between parents must not detach value it never
	// attached.
	other := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-2"}
	store.invoices[other.ID] = other
	moved := *reversal
	moved.InvoiceID = &other.ID
	store.apply(t, agg, workflow.OperationUpdate, reversal, &moved, NewTicketSet())

	require.Equal(t, 0.0, invoice.InvoiceAmount)
	require.Equal(t, 0, invoice.SalesLineCount)
	require.Equal(t, 0.0, other.InvoiceAmount)
	require.Equal(t, 0, other.SalesLineCount)
}

func TestReconcilerRepairsDriftedRollups(t *testing.T) {
	store := newMemoryStore()

	invoice := &models.Invoice{ID: uuid.New(), InvoiceNumber: "INV-1", InvoiceAmount: 999, SalesLineCount: 7, TruckTicketCount: 4}
	store.invoices[invoice.ID] = invoice

	ticket := uuid.New()
	for _, value := range []float64{100, 50} {
		l := withInvoice(line(ticket, value), invoice.ID)
		store.lines[l.ID] = l
	}
	reversal := withInvoice(line(ticket, -100), invoice.ID)
	reversal.IsReversal = true
	store.lines[reversal.ID] = reversal

	source := &memoryRollupSource{store: store}
	reconciler := NewReconciler(source, store, store, 0)
	repaired, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	require.InDelta(t, 150.0, invoice.InvoiceAmount, 1e-9)
	require.Equal(t, 2, invoice.SalesLineCount)
	require.Equal(t, 1, invoice.TruckTicketCount)
}

type memoryRollupSource struct {
	store *memoryStore
}

func (s *memoryRollupSource) InvoiceIDsTouchedSince(_ context.Context, _ time.Time) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(s.store.invoices))
	for id := range s.store.invoices {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memoryRollupSource) LoadConfirmationIDsTouchedSince(_ context.Context, _ time.Time) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(s.store.loadConfirmations))
	for id := range s.store.loadConfirmations {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memoryRollupSource) LinesForInvoice(_ context.Context, invoiceID uuid.UUID) ([]models.SalesLine, error) {
	var out []models.SalesLine
	for _, l := range s.store.lines {
		if l.InvoiceID != nil && *l.InvoiceID == invoiceID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *memoryRollupSource) LinesForLoadConfirmation(_ context.Context, lcID uuid.UUID) ([]models.SalesLine, error) {
	var out []models.SalesLine
	for _, l := range s.store.lines {
		if l.LoadConfirmationID != nil && *l.LoadConfirmationID == lcID {
			out = append(out, *l)
		}
	}
	return out, nil
}
