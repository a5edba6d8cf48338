package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/billing/config"
	"example.com/backstage/services/billing/internal/api"
	"example.com/backstage/services/billing/internal/cache"
	"example.com/backstage/services/billing/internal/database"
	"example.com/backstage/services/billing/internal/delivery"
	"example.com/backstage/services/billing/internal/messaging"
	"example.com/backstage/services/billing/internal/metrics"
	"example.com/backstage/services/billing/internal/models"
	"example.com/backstage/services/billing/internal/search"
	"example.com/backstage/services/billing/internal/secrets"
	"example.com/backstage/services/billing/internal/services"
	"example.com/backstage/services/billing/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server to handle sales lines, billing configurations and invoice deliveries`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	conns, err := initDatabases(cfg)
	if err != nil {
		return err
	}
	defer conns.Close()

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = &tracing.NewRelicTracer{}
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the delivery strategy
	strategy, err := buildDeliveryStrategy(cfg)
	if err != nil {
		return err
	}

	// Initialize the queue publisher
	publisher, err := buildPublisher(cfg, "billing-api")
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}

	// Initialize services
	billingService := services.NewBillingService(
		conns.DB, conns.ReadOnlyDB, redisCache, elasticClient,
		tracer, metricsCollector, strategy, publisher, cfg.Reconciliation.Lookback,
	)

	// Initialize and start the server
	server := api.NewServer(cfg, billingService, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*database.Connections, error) {
	conns, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(conns.DB); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return conns, nil
}

func buildPublisher(cfg config.Config, component string) (messaging.ServiceBusClient, error) {
	if cfg.ServiceBus.ConnectionString == "" {
		log.Warn().Msg("Service Bus is not configured, async delivery is disabled")
		return nil, nil
	}

	publisher, err := messaging.NewServiceBusClient(cfg.ServiceBus, component)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize Service Bus client")
	}
	return publisher, nil
}

func buildDeliveryStrategy(cfg config.Config) (*delivery.Strategy, error) {
	vault, err := secrets.NewKeyVault()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize key vault client")
	}
	resolver := secrets.NewResolver(vault, cfg.Vault.URI)

	return delivery.NewStrategy(resolver,
		delivery.NewHTTPTransport(cfg.Delivery.HTTPTimeout),
		delivery.NewSFTPTransport(cfg.Delivery.SFTPTimeout),
		delivery.NewSMTPTransport(delivery.SMTPSettings{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			UseTLS:   cfg.SMTP.UseTLS,
			Sender:   cfg.SMTP.Sender,
		}),
	), nil
}
