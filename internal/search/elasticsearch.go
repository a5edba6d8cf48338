package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/billing/config"
	"example.com/backstage/services/billing/internal/models"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexInvoice indexes an invoice's rollup snapshot so billing staff can
// search invoices without touching the transactional store
func (c *ElasticClient) IndexInvoice(ctx context.Context, invoice *models.Invoice) error {
	log.Info().Str("invoice_id", invoice.ID.String()).Msg("indexing invoice")

	// Build the document to be indexed
	invoiceDoc := map[string]interface{}{
		"id":                 invoice.ID.String(),
		"invoice_number":     invoice.InvoiceNumber,
		"status":             invoice.Status,
		"invoice_amount":     invoice.InvoiceAmount,
		"sales_line_count":   invoice.SalesLineCount,
		"truck_ticket_count": invoice.TruckTicketCount,
		"updated_at":         invoice.UpdatedAt,
	}
	if invoice.InvoiceExchangeID != nil {
		invoiceDoc["invoice_exchange_id"] = invoice.InvoiceExchangeID.String()
	}

	billingConfigIDs := make([]string, 0, len(invoice.BillingConfigurations))
	for _, assoc := range invoice.BillingConfigurations {
		billingConfigIDs = append(billingConfigIDs, assoc.BillingConfigurationID.String())
	}
	invoiceDoc["billing_configuration_ids"] = billingConfigIDs

	// Marshall the document to JSON
	docJson, err := json.Marshal(invoiceDoc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal invoice document")
	}

	// Prepare the index request
	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: invoice.ID.String(),
		Body:       bytes.NewReader(docJson),
		Refresh:    "true",
	}

	// Execute the request
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	// Check for errors in the response
	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Str("invoice_id", invoice.ID.String()).Msg("invoice indexed successfully")
	return nil
}

// SearchInvoices searches indexed invoices with the given criteria
func (c *ElasticClient) SearchInvoices(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	// Convert query to JSON
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	// Prepare the search request
	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	// Execute the request
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	// Check for errors in the response
	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	// Parse the response
	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	// Extract the hits
	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}

	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	// Extract the documents
	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}

		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}

		docs = append(docs, source)
	}

	return docs, nil
}
