package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// SalesLineStatus tracks a sales line through its billing lifecycle
type SalesLineStatus string

const (
	SalesLineStatusPreview  SalesLineStatus = "Preview"
	SalesLineStatusApproved SalesLineStatus = "Approved"
	SalesLineStatusPosted   SalesLineStatus = "Posted"
	SalesLineStatusVoid     SalesLineStatus = "Void"
)

// TransportType selects the delivery transport for an invoice exchange
type TransportType string

const (
	TransportTypeUndefined TransportType = "Undefined"
	TransportTypeHTTP      TransportType = "Http"
	TransportTypeSFTP      TransportType = "Sftp"
	TransportTypeSMTP      TransportType = "Smtp"
)

// TruckTicket is the source record a sales line is priced from
type TruckTicket struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	TicketNumber string         `gorm:"not null;uniqueIndex" json:"ticket_number"`
	Product      string         `gorm:"not null" json:"product"`
	Quantity     float64        `gorm:"not null;default:0" json:"quantity"`
	SalesLines   []SalesLine    `gorm:"foreignKey:TruckTicketID" json:"-"`
}

// SalesLine is a billable unit derived from a truck ticket. It may be
// assigned to at most one invoice and one load confirmation at a time.
type SalesLine struct {
	ID                     uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt              gorm.DeletedAt  `gorm:"index" json:"-"`
	TruckTicketID          uuid.UUID       `gorm:"type:uuid;not null;index" json:"truck_ticket_id"`
	InvoiceID              *uuid.UUID      `gorm:"type:uuid;index" json:"invoice_id"`
	LoadConfirmationID     *uuid.UUID      `gorm:"type:uuid;index" json:"load_confirmation_id"`
	BillingConfigurationID *uuid.UUID      `gorm:"type:uuid;index" json:"billing_configuration_id"`
	TotalValue             float64         `gorm:"not null;default:0" json:"total_value"`
	Status                 SalesLineStatus `gorm:"not null;default:'Preview'" json:"status"`
	IsReversed             bool            `gorm:"not null;default:false" json:"is_reversed"`
	IsReversal             bool            `gorm:"not null;default:false" json:"is_reversal"`
}

// Invoice is the aggregate root for billed sales lines. InvoiceAmount,
// SalesLineCount and TruckTicketCount are rollups maintained incrementally
// by the aggregation engine and repaired by the reconciler.
type Invoice struct {
	ID                    uuid.UUID                     `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt             time.Time                     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time                     `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt                `gorm:"index" json:"-"`
	InvoiceNumber         string                        `gorm:"not null;uniqueIndex" json:"invoice_number"`
	Status                string                        `gorm:"not null;default:'Open'" json:"status"`
	InvoiceAmount         float64                       `gorm:"not null;default:0" json:"invoice_amount"`
	SalesLineCount        int                           `gorm:"not null;default:0" json:"sales_line_count"`
	TruckTicketCount      int                           `gorm:"not null;default:0" json:"truck_ticket_count"`
	InvoiceExchangeID     *uuid.UUID                    `gorm:"type:uuid" json:"invoice_exchange_id"`
	BillingConfigurations []InvoiceBillingConfiguration `gorm:"foreignKey:InvoiceID" json:"billing_configurations"`
}

// InvoiceBillingConfiguration is the association between an invoice and a
// billing configuration that contributed sales lines to it. Rows with a
// zero associated-line count are removed by the aggregator.
type InvoiceBillingConfiguration struct {
	ID                        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt                 time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	InvoiceID                 uuid.UUID `gorm:"type:uuid;not null;index" json:"invoice_id"`
	BillingConfigurationID    uuid.UUID `gorm:"type:uuid;not null;index" json:"billing_configuration_id"`
	AssociatedSalesLinesCount int       `gorm:"not null;default:0" json:"associated_sales_lines_count"`
}

// LoadConfirmation is the aggregate root for confirmed loads awaiting
// invoicing, with the same additive rollup invariant as Invoice.
type LoadConfirmation struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	Number         string         `gorm:"not null;uniqueIndex" json:"number"`
	TotalCost      float64        `gorm:"not null;default:0" json:"total_cost"`
	SalesLineCount int            `gorm:"not null;default:0" json:"sales_line_count"`
}

// BillingConfiguration drives automatic matching of truck tickets to
// billing arrangements via hashed match predicates.
type BillingConfiguration struct {
	ID                     uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt              time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt              gorm.DeletedAt   `gorm:"index" json:"-"`
	Name                   string           `gorm:"not null" json:"name"`
	IncludeForAutomation   bool             `gorm:"not null;default:false" json:"include_for_automation"`
	IsDefaultConfiguration bool             `gorm:"not null;default:false" json:"is_default_configuration"`
	MatchCriteria          []MatchPredicate `gorm:"foreignKey:BillingConfigurationID" json:"match_criteria"`
}

// MatchPredicate is a hashed match rule with a validity window. A nil
// StartDate means the window has always been open, a nil EndDate means it
// never closes.
type MatchPredicate struct {
	ID                     uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	BillingConfigurationID uuid.UUID  `gorm:"type:uuid;not null;index" json:"billing_configuration_id"`
	Hash                   string     `gorm:"not null;index" json:"hash"`
	IsEnabled              bool       `gorm:"not null;default:true" json:"is_enabled"`
	StartDate              *time.Time `json:"start_date"`
	EndDate                *time.Time `json:"end_date"`
}

// ActiveAt reports whether the predicate's validity window covers the given instant
func (p *MatchPredicate) ActiveAt(now time.Time) bool {
	if p.StartDate != nil && p.StartDate.After(now) {
		return false
	}
	if p.EndDate != nil && p.EndDate.Before(now) {
		return false
	}
	return true
}

// InvoiceExchange is a delivery profile owning the configuration used to
// push invoices to an external party.
type InvoiceExchange struct {
	ID        uuid.UUID                    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time                    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time                    `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt               `gorm:"index" json:"-"`
	Name      string                       `gorm:"not null" json:"name"`
	Delivery  InvoiceDeliveryConfiguration `gorm:"embedded;embeddedPrefix:delivery_" json:"delivery"`
}

// InvoiceDeliveryConfiguration holds the transport settings of an invoice
// exchange. Credential fields hold either a literal value or a single
// {{secret:<name>}} / {{certificate:<name>}} placeholder resolved at send
// time; the configuration is immutable during a delivery attempt.
type InvoiceDeliveryConfiguration struct {
	MessageAdapterType string            `json:"message_adapter_type"`
	TransportType      TransportType     `gorm:"not null;default:'Undefined'" json:"transport_type"`
	DestinationURL     string            `json:"destination_url"`
	HTTPVerb           string            `json:"http_verb"`
	HTTPHeaders        map[string]string `gorm:"serializer:json" json:"http_headers"`
	ClientID           string            `json:"client_id"`
	ClientSecret       string            `json:"client_secret"`
	ClientCertificate  string            `json:"client_certificate"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&TruckTicket{},
		&SalesLine{},
		&Invoice{},
		&InvoiceBillingConfiguration{},
		&LoadConfirmation{},
		&BillingConfiguration{},
		&MatchPredicate{},
		&InvoiceExchange{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
