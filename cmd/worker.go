package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/billing/config"
	"example.com/backstage/services/billing/internal/cache"
	"example.com/backstage/services/billing/internal/messaging"
	"example.com/backstage/services/billing/internal/metrics"
	"example.com/backstage/services/billing/internal/search"
	"example.com/backstage/services/billing/internal/services"
	"example.com/backstage/services/billing/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to process queue messages and reconcile rollups`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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
	publisher, err := buildPublisher(cfg, "billing-worker")
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

	// Initialize the queue processor
	processor, err := messaging.NewProcessor(cfg.ServiceBus, billingService.ProcessMessage)
	if err != nil {
		return err
	}
	defer processor.Close()

	// Start the service bus processor
	g.Go(func() error {
		log.Info().Str("queue", cfg.ServiceBus.QueueName).Msg("Starting Service Bus processor")
		return processor.Run(ctx)
	})

	// Start the rollup reconciliation cron job as a fallback mechanism
	g.Go(func() error {
		log.Info().
			Dur("interval", cfg.Reconciliation.Interval).
			Msg("Starting rollup reconciliation cron job")

		// Create a scheduler
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Incremental deltas drift under crashes and concurrent writers;
		// this job recomputes recently touched rollups from scratch.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Reconciliation.Interval),
			gocron.NewTask(func() {
				if err := billingService.ReconcileRollups(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to reconcile rollups")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Start the scheduler
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
