package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/billing/config"
	"example.com/backstage/services/billing/internal/api/handlers"
	"example.com/backstage/services/billing/internal/api/middleware"
	"example.com/backstage/services/billing/internal/metrics"
	"example.com/backstage/services/billing/internal/services"
	"example.com/backstage/services/billing/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config         config.Config
	router         *gin.Engine
	httpServer     *http.Server
	billingService *services.BillingService
	collector      *metrics.Metrics
	tracer         tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, billingService *services.BillingService, collector *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:         cfg,
		billingService: billingService,
		collector:      collector,
		tracer:         tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.NewRelic(s.tracer.Application()))

	// Register handlers
	billingHandler := handlers.NewBillingHandler(s.billingService, s.tracer)
	billingHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.collector, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
