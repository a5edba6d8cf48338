package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/billing/internal/aggregation"
	"example.com/backstage/services/billing/internal/cache"
	"example.com/backstage/services/billing/internal/delivery"
	"example.com/backstage/services/billing/internal/messaging"
	"example.com/backstage/services/billing/internal/metrics"
	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/repositories"
	"example.com/backstage/services/billing/internal/search"
	"example.com/backstage/services/billing/internal/tracing"
	"example.com/backstage/services/billing/internal/workflow"
)

// Queue event types
const (
	EventSalesLineSaved     = "sales-line.saved"
	EventBillingConfigSaved = "billing-configuration.saved"
	EventInvoiceDeliver     = "invoice.deliver"
)

const exchangeCacheTTL = 10 * time.Minute

// InvoiceSender pushes resolved invoice parts through a delivery transport
type InvoiceSender interface {
	Send(ctx context.Context, cfg *models.InvoiceDeliveryConfiguration, parts ...*delivery.EncodedPart) error
}

// ValidationError rejects a billing configuration whose predicates
// collide with another active configuration. It is never retried.
type ValidationError struct {
	Duplicates []aggregation.DuplicateMatch
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("billing configuration has %d match predicates already claimed by other configurations", len(e.Duplicates))
}

type salesLineStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SalesLine, error)
	Save(ctx context.Context, line *models.SalesLine) error
}

type billingConfigurationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.BillingConfiguration, error)
	Save(ctx context.Context, cfg *models.BillingConfiguration) error
}

type invoiceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
}

type invoiceExchangeStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.InvoiceExchange, error)
	Save(ctx context.Context, exchange *models.InvoiceExchange) error
}

type truckTicketStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.TruckTicket, error)
}

type invoiceIndexer interface {
	IndexInvoice(ctx context.Context, invoice *models.Invoice) error
	SearchInvoices(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error)
}

type rollupReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// BillingService handles sales-line aggregation, billing-configuration
// validation and invoice delivery
type BillingService struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database

	salesLines     salesLineStore
	billingConfigs billingConfigurationStore
	invoices       invoiceStore
	exchanges      invoiceExchangeStore
	truckTickets   truckTicketStore

	salesLinePipeline     *workflow.Pipeline[models.SalesLine]
	billingConfigPipeline *workflow.Pipeline[models.BillingConfiguration]
	reconciler            rollupReconciler

	sender    InvoiceSender
	publisher messaging.ServiceBusClient
	cache     *cache.RedisCache
	indexer   invoiceIndexer
	tracer    tracing.Tracer
	collector *metrics.Metrics
}

// NewBillingService creates a new billing service wired over the given
// database handles
func NewBillingService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	redisCache *cache.RedisCache,
	elasticClient *search.ElasticClient,
	tracer tracing.Tracer,
	collector *metrics.Metrics,
	sender InvoiceSender,
	publisher messaging.ServiceBusClient,
	reconcileLookback time.Duration,
) *BillingService {
	salesLineRepo := repositories.NewSalesLineRepository(db, readOnlyDB)
	invoiceRepo := repositories.NewInvoiceRepository(db, readOnlyDB)
	lcRepo := repositories.NewLoadConfirmationRepository(db, readOnlyDB)
	billingConfigRepo := repositories.NewBillingConfigurationRepository(db, readOnlyDB)
	exchangeRepo := repositories.NewInvoiceExchangeRepository(db, readOnlyDB)
	ticketRepo := repositories.NewTruckTicketRepository(db, readOnlyDB)

	aggregator := aggregation.NewSalesLineAggregator(invoiceRepo, lcRepo, salesLineRepo)
	checker := aggregation.NewMatchPredicateChecker(billingConfigRepo)
	source := &repositories.RollupSource{
		Invoices:          invoiceRepo,
		LoadConfirmations: lcRepo,
		SalesLines:        salesLineRepo,
	}

	svc := &BillingService{
		db:             db,
		readOnlyDB:     readOnlyDB,
		salesLines:     salesLineRepo,
		billingConfigs: billingConfigRepo,
		invoices:       invoiceRepo,
		exchanges:      exchangeRepo,
		truckTickets:   ticketRepo,
		salesLinePipeline: workflow.NewPipeline[models.SalesLine](
			aggregation.NewSalesLineAggregatorTask(aggregator),
		),
		billingConfigPipeline: workflow.NewPipeline[models.BillingConfiguration](
			aggregation.NewBillingConfigurationMatchTask(checker),
		),
		reconciler: aggregation.NewReconciler(source, invoiceRepo, lcRepo, reconcileLookback),
		sender:     sender,
		publisher:  publisher,
		cache:      redisCache,
		tracer:     tracer,
		collector:  collector,
	}
	// A nil *ElasticClient stored in the interface would dodge nil checks
	if elasticClient != nil {
		svc.indexer = elasticClient
	}
	return svc
}

// SaveSalesLine runs the aggregation pipeline over a sales-line change
// and persists the line. The previous persisted state is loaded as the
// original snapshot; a missing row makes this an insert.
func (s *BillingService) SaveSalesLine(ctx context.Context, target *models.SalesLine) (*models.SalesLine, error) {
	txn := s.tracer.StartTransaction("save-sales-line")
	defer s.tracer.EndTransaction(txn)
	start := time.Now()

	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}

	op := workflow.OperationInsert
	var original *models.SalesLine
	existing, err := s.salesLines.GetByID(ctx, target.ID)
	switch {
	case err == nil:
		original = existing
		op = workflow.OperationUpdate
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first sighting of this line
	default:
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to load existing sales line")
	}

	if op == workflow.OperationInsert {
		if _, err := s.truckTickets.GetByID(ctx, target.TruckTicketID); err != nil {
			s.collector.RecordSalesLineRejected()
			s.tracer.RecordError(txn, err)
			return nil, errors.Wrap(err, "sales line references an unknown truck ticket")
		}
	}

	wc := workflow.NewContext(op, original, target)
	span := s.tracer.StartSpan("sales-line-pipeline", txn)
	err = s.salesLinePipeline.Run(ctx, wc)
	span.End()
	if err != nil {
		s.collector.RecordSalesLineRejected()
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	saveSpan := s.tracer.StartSpan("save-sales-line", txn)
	err = s.salesLines.Save(ctx, target)
	saveSpan.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.collector.RecordSalesLineProcessed(time.Since(start))
	log.Info().
		Str("sales_line_id", target.ID.String()).
		Str("operation", string(op)).
		Float64("total_value", target.TotalValue).
		Msg("Sales line saved")

	return target, nil
}

// SaveBillingConfiguration validates a billing configuration's match
// predicates against every other active configuration and persists it.
// Colliding predicates reject the save with a ValidationError.
func (s *BillingService) SaveBillingConfiguration(ctx context.Context, target *models.BillingConfiguration) (*models.BillingConfiguration, error) {
	txn := s.tracer.StartTransaction("save-billing-configuration")
	defer s.tracer.EndTransaction(txn)

	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}

	op := workflow.OperationInsert
	var original *models.BillingConfiguration
	existing, err := s.billingConfigs.GetByID(ctx, target.ID)
	switch {
	case err == nil:
		original = existing
		op = workflow.OperationUpdate
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to load existing billing configuration")
	}

	wc := workflow.NewContext(op, original, target)
	span := s.tracer.StartSpan("billing-configuration-pipeline", txn)
	err = s.billingConfigPipeline.Run(ctx, wc)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	if wc.Aborted() {
		duplicates, _ := wc.Bag[aggregation.BagKeyDuplicateMatchPredicates].([]aggregation.DuplicateMatch)
		dupErr := &ValidationError{Duplicates: duplicates}
		s.tracer.RecordError(txn, dupErr)
		return nil, dupErr
	}

	if err := s.billingConfigs.Save(ctx, target); err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.GetBillingConfigurationCacheKey(target.ID)); err != nil {
			log.Debug().Err(err).Msg("Failed to invalidate cached billing configuration")
		}
	}

	log.Info().
		Str("billing_configuration_id", target.ID.String()).
		Str("operation", string(op)).
		Int("match_predicates", len(target.MatchCriteria)).
		Msg("Billing configuration saved")

	return target, nil
}

// DeliverInvoice pushes the invoice document through the transport
// configured on its invoice exchange
func (s *BillingService) DeliverInvoice(ctx context.Context, invoiceID uuid.UUID) error {
	txn := s.tracer.StartTransaction("deliver-invoice")
	defer s.tracer.EndTransaction(txn)
	start := time.Now()

	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to load invoice for delivery")
	}
	if invoice.InvoiceExchangeID == nil {
		err := delivery.NewConfigurationError("invoice %s has no invoice exchange assigned", invoice.InvoiceNumber)
		s.tracer.RecordError(txn, err)
		return err
	}

	exchange, err := s.getInvoiceExchange(ctx, *invoice.InvoiceExchangeID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to load invoice exchange")
	}

	parts, err := buildInvoiceParts(invoice, &exchange.Delivery)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	sendSpan := s.tracer.StartSpan("send-invoice", txn)
	err = s.sender.Send(ctx, &exchange.Delivery, parts...)
	sendSpan.End()
	s.collector.RecordInvoiceDelivery(string(exchange.Delivery.TransportType), time.Since(start), err != nil)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	if s.indexer != nil {
		if err := s.indexer.IndexInvoice(ctx, invoice); err != nil {
			log.Warn().
				Err(err).
				Str("invoice_id", invoice.ID.String()).
				Msg("Failed to index delivered invoice")
		}
	}

	log.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("invoice_number", invoice.InvoiceNumber).
		Str("transport", string(exchange.Delivery.TransportType)).
		Msg("Invoice delivered")

	return nil
}

// EnqueueInvoiceDelivery queues an asynchronous delivery request for the
// worker to pick up
func (s *BillingService) EnqueueInvoiceDelivery(ctx context.Context, invoiceID uuid.UUID) error {
	if s.publisher == nil {
		return errors.New("message publisher is not configured")
	}

	err := s.publisher.SendMessage(ctx, map[string]interface{}{
		"ev": EventInvoiceDeliver,
		"payload": map[string]interface{}{
			"invoice_id": invoiceID,
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to enqueue invoice delivery")
	}

	log.Info().Str("invoice_id", invoiceID.String()).Msg("Queued invoice delivery")
	return nil
}

// SaveInvoiceExchange persists a delivery profile and drops its cached copy
func (s *BillingService) SaveInvoiceExchange(ctx context.Context, exchange *models.InvoiceExchange) (*models.InvoiceExchange, error) {
	if exchange.ID == uuid.Nil {
		exchange.ID = uuid.New()
	}

	if err := s.exchanges.Save(ctx, exchange); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.GetInvoiceExchangeCacheKey(exchange.ID)); err != nil {
			log.Debug().Err(err).Msg("Failed to invalidate cached invoice exchange")
		}
	}

	return exchange, nil
}

// GetInvoice loads an invoice with its rollups
func (s *BillingService) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

// SearchInvoices queries the invoice search index
func (s *BillingService) SearchInvoices(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	if s.indexer == nil {
		return nil, errors.New("invoice search index is not configured")
	}
	return s.indexer.SearchInvoices(ctx, query)
}

// ReconcileRollups runs one full-recompute pass as a fallback for deltas
// lost to crashes or concurrent writers
func (s *BillingService) ReconcileRollups(ctx context.Context) error {
	txn := s.tracer.StartTransaction("reconcile-rollups")
	defer s.tracer.EndTransaction(txn)

	repaired, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "rollup reconciliation failed")
	}

	s.collector.IncrementCounterBy(metrics.MetricRollupsReconciled, int64(repaired))
	if repaired > 0 {
		log.Info().Int("repaired", repaired).Msg("Repaired drifted rollups")
	}

	return nil
}

// ProcessMessage dispatches one queue message to the matching operation
func (s *BillingService) ProcessMessage(ctx context.Context, body []byte) error {
	var envelope struct {
		EventType string          `json:"ev"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errors.Wrap(err, "failed to unmarshal message envelope")
	}

	switch envelope.EventType {
	case EventSalesLineSaved:
		var line models.SalesLine
		if err := json.Unmarshal(envelope.Payload, &line); err != nil {
			return errors.Wrap(err, "failed to unmarshal sales line payload")
		}
		_, err := s.SaveSalesLine(ctx, &line)
		return err

	case EventBillingConfigSaved:
		var cfg models.BillingConfiguration
		if err := json.Unmarshal(envelope.Payload, &cfg); err != nil {
			return errors.Wrap(err, "failed to unmarshal billing configuration payload")
		}
		_, err := s.SaveBillingConfiguration(ctx, &cfg)
		if err != nil {
			var validationErr *ValidationError
			if errors.As(err, &validationErr) {
				// invalid configurations are persistently invalid, redelivery cannot fix them
				log.Warn().Err(err).Str("billing_configuration_id", cfg.ID.String()).
					Msg("Rejected billing configuration from queue")
				return nil
			}
		}
		return err

	case EventInvoiceDeliver:
		var payload struct {
			InvoiceID uuid.UUID `json:"invoice_id"`
		}
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return errors.Wrap(err, "failed to unmarshal delivery payload")
		}
		return s.DeliverInvoice(ctx, payload.InvoiceID)

	default:
		// unknown events are completed, not redelivered
		log.Warn().Str("event_type", envelope.EventType).Msg("Ignoring unknown queue event")
		return nil
	}
}

// getInvoiceExchange reads the exchange through the cache
func (s *BillingService) getInvoiceExchange(ctx context.Context, id uuid.UUID) (*models.InvoiceExchange, error) {
	key := cache.GetInvoiceExchangeCacheKey(id)

	if s.cache != nil {
		var cached models.InvoiceExchange
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	exchange, err := s.exchanges.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, exchange, exchangeCacheTTL); err != nil {
			log.Debug().Err(err).Msg("Failed to cache invoice exchange")
		}
	}

	return exchange, nil
}

// buildInvoiceParts encodes the invoice for the configured transport. SMTP
// deliveries wrap the document in a mail surrogate addressed to the
// destination; every other transport receives the document directly.
func buildInvoiceParts(invoice *models.Invoice, cfg *models.InvoiceDeliveryConfiguration) ([]*delivery.EncodedPart, error) {
	doc, err := json.Marshal(invoice)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal invoice document")
	}
	fileName := invoice.InvoiceNumber + ".json"

	if cfg.TransportType == models.TransportTypeSMTP {
		surrogate := map[string]interface{}{
			"to":      cfg.DestinationURL,
			"subject": fmt.Sprintf("Invoice %s", invoice.InvoiceNumber),
			"body":    fmt.Sprintf("Invoice %s for %.2f is attached.", invoice.InvoiceNumber, invoice.InvoiceAmount),
			"attachments": []map[string]interface{}{
				{
					"file_name":    fileName,
					"content_type": "application/json",
					"content":      doc,
				},
			},
		}
		payload, err := json.Marshal(surrogate)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal mail surrogate")
		}
		return []*delivery.EncodedPart{{
			ContentType: "application/json",
			FileName:    fileName,
			Data:        bytes.NewReader(payload),
		}}, nil
	}

	return []*delivery.EncodedPart{{
		ContentType: "application/json",
		FileName:    fileName,
		Data:        bytes.NewReader(doc),
	}}, nil
}
