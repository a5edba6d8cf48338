package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/billing/internal/delivery"
	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/services"
	"example.com/backstage/services/billing/internal/tracing"
)

// BillingHandler handles billing-related HTTP requests
type BillingHandler struct {
	billingService *services.BillingService
	tracer         tracing.Tracer
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(billingService *services.BillingService, tracer tracing.Tracer) *BillingHandler {
	return &BillingHandler{
		billingService: billingService,
		tracer:         tracer,
	}
}

// SalesLineRequest represents an incoming sales-line change
type SalesLineRequest struct {
	ID                     uuid.UUID  `json:"id"`
	TruckTicketID          uuid.UUID  `json:"truck_ticket_id" binding:"required"`
	InvoiceID              *uuid.UUID `json:"invoice_id"`
	LoadConfirmationID     *uuid.UUID `json:"load_confirmation_id"`
	BillingConfigurationID *uuid.UUID `json:"billing_configuration_id"`
	TotalValue             float64    `json:"total_value"`
	Status                 string     `json:"status"`
	IsReversed             bool       `json:"is_reversed"`
	IsReversal             bool       `json:"is_reversal"`
}

// HandleSaveSalesLine accepts a sales-line change and runs it through the
// aggregation pipeline
func (h *BillingHandler) HandleSaveSalesLine(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-save-sales-line")
	defer h.tracer.EndTransaction(txn)

	var req SalesLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid sales line request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	status := models.SalesLineStatus(req.Status)
	if status == "" {
		status = models.SalesLineStatusPreview
	}

	line := &models.SalesLine{
		ID:                     req.ID,
		TruckTicketID:          req.TruckTicketID,
		InvoiceID:              req.InvoiceID,
		LoadConfirmationID:     req.LoadConfirmationID,
		BillingConfigurationID: req.BillingConfigurationID,
		TotalValue:             req.TotalValue,
		Status:                 status,
		IsReversed:             req.IsReversed,
		IsReversal:             req.IsReversal,
	}

	h.tracer.AddAttribute(txn, "truck_ticket_id", req.TruckTicketID.String())
	h.tracer.AddAttribute(txn, "total_value", req.TotalValue)

	saved, err := h.billingService.SaveSalesLine(c.Request.Context(), line)
	if err != nil {
		log.Error().Err(err).Msg("Failed to save sales line")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusCreated, saved)
}

// HandleSaveBillingConfiguration accepts a billing configuration and
// validates its match predicates for uniqueness
func (h *BillingHandler) HandleSaveBillingConfiguration(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-save-billing-configuration")
	defer h.tracer.EndTransaction(txn)

	var cfg models.BillingConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		log.Error().Err(err).Msg("Invalid billing configuration request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	saved, err := h.billingService.SaveBillingConfiguration(c.Request.Context(), &cfg)
	if err != nil {
		var dupErr *services.ValidationError
		if errors.As(err, &dupErr) {
			c.JSON(http.StatusConflict, gin.H{
				"error":      dupErr.Error(),
				"duplicates": dupErr.Duplicates,
			})
			return
		}
		log.Error().Err(err).Msg("Failed to save billing configuration")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusCreated, saved)
}

// HandleSaveInvoiceExchange accepts a delivery profile
func (h *BillingHandler) HandleSaveInvoiceExchange(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-save-invoice-exchange")
	defer h.tracer.EndTransaction(txn)

	var exchange models.InvoiceExchange
	if err := c.ShouldBindJSON(&exchange); err != nil {
		log.Error().Err(err).Msg("Invalid invoice exchange request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	saved, err := h.billingService.SaveInvoiceExchange(c.Request.Context(), &exchange)
	if err != nil {
		log.Error().Err(err).Msg("Failed to save invoice exchange")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusCreated, saved)
}

// HandleGetInvoice returns one invoice with its rollups
func (h *BillingHandler) HandleGetInvoice(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	invoice, err := h.billingService.GetInvoice(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, invoice)
}

// HandleDeliverInvoice triggers delivery of an invoice through its exchange
func (h *BillingHandler) HandleDeliverInvoice(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-deliver-invoice")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}
	h.tracer.AddAttribute(txn, "invoice_id", id.String())

	if err := h.billingService.DeliverInvoice(c.Request.Context(), id); err != nil {
		h.tracer.RecordError(txn, err)

		var cfgErr *delivery.ConfigurationError
		var deliveryErr *delivery.DeliveryError
		switch {
		case errors.As(err, &cfgErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": cfgErr.Error()})
		case errors.As(err, &deliveryErr):
			c.JSON(http.StatusBadGateway, gin.H{"error": deliveryErr.Error()})
		default:
			log.Error().Err(err).Str("invoice_id", id.String()).Msg("Invoice delivery failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// HandleDeliverInvoiceAsync queues the invoice for delivery by the worker
func (h *BillingHandler) HandleDeliverInvoiceAsync(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	if err := h.billingService.EnqueueInvoiceDelivery(c.Request.Context(), id); err != nil {
		log.Error().Err(err).Str("invoice_id", id.String()).Msg("Failed to queue invoice delivery")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// HandleSearchInvoices proxies a search query to the invoice index
func (h *BillingHandler) HandleSearchInvoices(c *gin.Context) {
	var query map[string]interface{}
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.billingService.SearchInvoices(c.Request.Context(), query)
	if err != nil {
		log.Error().Err(err).Msg("Invoice search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// RegisterRoutes registers the handler's routes
func (h *BillingHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/sales_lines", h.HandleSaveSalesLine)
	router.POST("/billing_configurations", h.HandleSaveBillingConfiguration)
	router.POST("/invoice_exchanges", h.HandleSaveInvoiceExchange)
	router.GET("/invoices/:id", h.HandleGetInvoice)
	router.POST("/invoices/:id/deliver", h.HandleDeliverInvoice)
	router.POST("/invoices/:id/deliver_async", h.HandleDeliverInvoiceAsync)
	router.POST("/invoices/search", h.HandleSearchInvoices)
}
