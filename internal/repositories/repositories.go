package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/billing/internal/models"
)

// SalesLineRepository provides access to sales-line data
type SalesLineRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewSalesLineRepository creates a new sales-line repository
func NewSalesLineRepository(db *gorm.DB, readOnlyDB *gorm.DB) *SalesLineRepository {
	return &SalesLineRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a sales line by ID. Returns gorm.ErrRecordNotFound when
// the line does not exist yet, which callers treat as an insert.
func (r *SalesLineRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SalesLine, error) {
	var line models.SalesLine
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&line, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sales line by ID")
	}
	return &line, nil
}

// Save upserts a sales line by primary key
func (r *SalesLineRepository) Save(ctx context.Context, line *models.SalesLine) error {
	// Use write DB for writes
	err := r.db.WithContext(ctx).Save(line).Error
	if err != nil {
		return errors.Wrap(err, "failed to save sales line")
	}
	return nil
}

// CountOtherTicketLines counts non-reversed lines for a truck ticket that
// remain assigned to an invoice, excluding the line being moved
func (r *SalesLineRepository) CountOtherTicketLines(ctx context.Context, ticketID, invoiceID, excludeLineID uuid.UUID) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.SalesLine{}).
		Where("truck_ticket_id = ? AND invoice_id = ? AND id <> ?", ticketID, invoiceID, excludeLineID).
		Where("is_reversed = ? AND is_reversal = ?", false, false).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count remaining ticket lines")
	}
	return count, nil
}

// LinesForInvoice gets every sales line assigned to an invoice
func (r *SalesLineRepository) LinesForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]models.SalesLine, error) {
	var lines []models.SalesLine
	err := r.readOnlyDB.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Find(&lines).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sales lines for invoice")
	}
	return lines, nil
}

// LinesForLoadConfirmation gets every sales line assigned to a load confirmation
func (r *SalesLineRepository) LinesForLoadConfirmation(ctx context.Context, lcID uuid.UUID) ([]models.SalesLine, error) {
	var lines []models.SalesLine
	err := r.readOnlyDB.WithContext(ctx).
		Where("load_confirmation_id = ?", lcID).
		Find(&lines).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sales lines for load confirmation")
	}
	return lines, nil
}

// InvoiceRepository provides access to invoice data and its rollup rows
type InvoiceRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *gorm.DB, readOnlyDB *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an invoice with its billing-configuration associations
func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.readOnlyDB.WithContext(ctx).
		Preload("BillingConfigurations").
		First(&invoice, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get invoice by ID")
	}
	return &invoice, nil
}

// GetInvoices loads the given invoices keyed by ID, associations included
func (r *InvoiceRepository) GetInvoices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Invoice, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*models.Invoice{}, nil
	}
	var invoices []models.Invoice
	err := r.readOnlyDB.WithContext(ctx).
		Preload("BillingConfigurations").
		Where("id IN ?", ids).
		Find(&invoices).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get invoices")
	}
	byID := make(map[uuid.UUID]*models.Invoice, len(invoices))
	for i := range invoices {
		byID[invoices[i].ID] = &invoices[i]
	}
	return byID, nil
}

// UpdateInvoice persists the invoice rollups and replaces its
// billing-configuration association rows with the given set
func (r *InvoiceRepository) UpdateInvoice(ctx context.Context, invoice *models.Invoice) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keep := make([]uuid.UUID, 0, len(invoice.BillingConfigurations))
		for i := range invoice.BillingConfigurations {
			assoc := &invoice.BillingConfigurations[i]
			if assoc.ID == uuid.Nil {
				assoc.ID = uuid.New()
			}
			assoc.InvoiceID = invoice.ID
			keep = append(keep, assoc.ID)
		}

		stale := tx.Where("invoice_id = ?", invoice.ID)
		if len(keep) > 0 {
			stale = stale.Where("id NOT IN ?", keep)
		}
		if err := stale.Delete(&models.InvoiceBillingConfiguration{}).Error; err != nil {
			return err
		}
		if len(invoice.BillingConfigurations) > 0 {
			err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
				Create(&invoice.BillingConfigurations).Error
			if err != nil {
				return err
			}
		}
		return tx.Omit("BillingConfigurations").Save(invoice).Error
	})
	if err != nil {
		return errors.Wrap(err, "failed to update invoice")
	}
	return nil
}

// IDsTouchedSince gets invoices whose rollups were written after the cutoff
func (r *InvoiceRepository) IDsTouchedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("updated_at >= ?", since).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recently touched invoices")
	}
	return ids, nil
}

// LoadConfirmationRepository provides access to load-confirmation data
type LoadConfirmationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewLoadConfirmationRepository creates a new load-confirmation repository
func NewLoadConfirmationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *LoadConfirmationRepository {
	return &LoadConfirmationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetLoadConfirmations loads the given load confirmations keyed by ID
func (r *LoadConfirmationRepository) GetLoadConfirmations(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.LoadConfirmation, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*models.LoadConfirmation{}, nil
	}
	var lcs []models.LoadConfirmation
	err := r.readOnlyDB.WithContext(ctx).Where("id IN ?", ids).Find(&lcs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get load confirmations")
	}
	byID := make(map[uuid.UUID]*models.LoadConfirmation, len(lcs))
	for i := range lcs {
		byID[lcs[i].ID] = &lcs[i]
	}
	return byID, nil
}

// UpdateLoadConfirmation persists the load-confirmation rollups
func (r *LoadConfirmationRepository) UpdateLoadConfirmation(ctx context.Context, lc *models.LoadConfirmation) error {
	err := r.db.WithContext(ctx).Save(lc).Error
	if err != nil {
		return errors.Wrap(err, "failed to update load confirmation")
	}
	return nil
}

// IDsTouchedSince gets load confirmations written after the cutoff
func (r *LoadConfirmationRepository) IDsTouchedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.LoadConfirmation{}).
		Where("updated_at >= ?", since).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recently touched load confirmations")
	}
	return ids, nil
}

// BillingConfigurationRepository provides access to billing configurations
// and their match predicates
type BillingConfigurationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewBillingConfigurationRepository creates a new repository
func NewBillingConfigurationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *BillingConfigurationRepository {
	return &BillingConfigurationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a billing configuration with its match predicates
func (r *BillingConfigurationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BillingConfiguration, error) {
	var cfg models.BillingConfiguration
	err := r.readOnlyDB.WithContext(ctx).
		Preload("MatchCriteria").
		First(&cfg, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get billing configuration by ID")
	}
	return &cfg, nil
}

// Save upserts a billing configuration together with its predicates
func (r *BillingConfigurationRepository) Save(ctx context.Context, cfg *models.BillingConfiguration) error {
	err := r.db.WithContext(ctx).
		Session(&gorm.Session{FullSaveAssociations: true}).
		Save(cfg).Error
	if err != nil {
		return errors.Wrap(err, "failed to save billing configuration")
	}
	return nil
}

// ListActiveOverlapping gets every other billing configuration holding at
// least one enabled predicate whose validity window covers now
func (r *BillingConfigurationRepository) ListActiveOverlapping(ctx context.Context, now time.Time, excludeID uuid.UUID) ([]models.BillingConfiguration, error) {
	var configs []models.BillingConfiguration
	err := r.readOnlyDB.WithContext(ctx).
		Preload("MatchCriteria").
		Where("id <> ?", excludeID).
		Where(`EXISTS (
			SELECT 1 FROM match_predicates mp
			WHERE mp.billing_configuration_id = billing_configurations.id
			  AND mp.is_enabled
			  AND (mp.start_date IS NULL OR mp.start_date <= ?)
			  AND (mp.end_date IS NULL OR mp.end_date >= ?)
		)`, now, now).
		Find(&configs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active billing configurations")
	}
	return configs, nil
}

// TruckTicketRepository provides access to truck-ticket data
type TruckTicketRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewTruckTicketRepository creates a new truck-ticket repository
func NewTruckTicketRepository(db *gorm.DB, readOnlyDB *gorm.DB) *TruckTicketRepository {
	return &TruckTicketRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a truck ticket by ID
func (r *TruckTicketRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.TruckTicket, error) {
	var ticket models.TruckTicket
	err := r.readOnlyDB.WithContext(ctx).First(&ticket, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get truck ticket by ID")
	}
	return &ticket, nil
}

// InvoiceExchangeRepository provides access to invoice-exchange profiles
type InvoiceExchangeRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewInvoiceExchangeRepository creates a new invoice-exchange repository
func NewInvoiceExchangeRepository(db *gorm.DB, readOnlyDB *gorm.DB) *InvoiceExchangeRepository {
	return &InvoiceExchangeRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an invoice exchange by ID
func (r *InvoiceExchangeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.InvoiceExchange, error) {
	var exchange models.InvoiceExchange
	err := r.readOnlyDB.WithContext(ctx).First(&exchange, id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get invoice exchange by ID")
	}
	return &exchange, nil
}

// Save upserts an invoice exchange
func (r *InvoiceExchangeRepository) Save(ctx context.Context, exchange *models.InvoiceExchange) error {
	err := r.db.WithContext(ctx).Save(exchange).Error
	if err != nil {
		return errors.Wrap(err, "failed to save invoice exchange")
	}
	return nil
}

// RollupSource combines the repositories the reconciler reads from
type RollupSource struct {
	Invoices          *InvoiceRepository
	LoadConfirmations *LoadConfirmationRepository
	SalesLines        *SalesLineRepository
}

func (s *RollupSource) InvoiceIDsTouchedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	return s.Invoices.IDsTouchedSince(ctx, since)
}

func (s *RollupSource) LoadConfirmationIDsTouchedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	return s.LoadConfirmations.IDsTouchedSince(ctx, since)
}

func (s *RollupSource) LinesForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]models.SalesLine, error) {
	return s.SalesLines.LinesForInvoice(ctx, invoiceID)
}

func (s *RollupSource) LinesForLoadConfirmation(ctx context.Context, lcID uuid.UUID) ([]models.SalesLine, error) {
	return s.SalesLines.LinesForLoadConfirmation(ctx, lcID)
}
