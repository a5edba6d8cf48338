package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/billing/config"
)

// ServiceBusClient is an interface for Azure Service Bus operations
type ServiceBusClient interface {
	SendMessage(ctx context.Context, body interface{}) error
	Close() error
}

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	queueName  string
	clientType string
}

// NewServiceBusClient creates a new Azure Service Bus client
func NewServiceBusClient(cfg config.ServiceBusConfig, clientType string) (ServiceBusClient, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	// Create the Service Bus client
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	// Create a sender for the queue
	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusClient{
		client:     client,
		sender:     sender,
		queueName:  cfg.QueueName,
		clientType: clientType,
	}, nil
}

// SendMessage sends a message to the Service Bus queue
func (s *serviceBusClient) SendMessage(ctx context.Context, body interface{}) error {
	// Convert the body to JSON
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	// Create the message
	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": s.clientType,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	// Send the message
	return s.sender.SendMessage(ctx, msg, nil)
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
	// Close the sender
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	// Close the client
	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}

// MessageHandler processes one raw queue message. A nil return completes
// the message; an error abandons it for redelivery.
type MessageHandler func(ctx context.Context, body []byte) error

// Processor drains the sales-line queue and feeds each message to the
// handler
type Processor struct {
	client    *azservicebus.Client
	queueName string
	handler   MessageHandler
	batchSize int
}

// NewProcessor creates a queue processor
func NewProcessor(cfg config.ServiceBusConfig, handler MessageHandler) (*Processor, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	return &Processor{
		client:    client,
		queueName: cfg.QueueName,
		handler:   handler,
		batchSize: 10,
	}, nil
}

// Run receives until the context is cancelled. Handler failures abandon
// the message so the queue redelivers it; the processor itself only stops
// on receiver-level errors.
func (p *Processor) Run(ctx context.Context) error {
	receiver, err := p.client.NewReceiverForQueue(p.queueName, nil)
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	defer receiver.Close(context.Background())

	log.Info().Str("queue", p.queueName).Msg("Service Bus processor started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		messages, err := receiver.ReceiveMessages(ctx, p.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive messages: %w", err)
		}

		for _, msg := range messages {
			if err := p.handler(ctx, msg.Body); err != nil {
				log.Error().Err(err).
					Str("messageId", msg.MessageID).
					Msg("Failed to process message, abandoning")
				if abandonErr := receiver.AbandonMessage(ctx, msg, nil); abandonErr != nil {
					log.Error().Err(abandonErr).
						Str("messageId", msg.MessageID).
						Msg("Failed to abandon message")
				}
				continue
			}
			if completeErr := receiver.CompleteMessage(ctx, msg, nil); completeErr != nil {
				log.Error().Err(completeErr).
					Str("messageId", msg.MessageID).
					Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the underlying client
func (p *Processor) Close() error {
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}
