package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/staybook/booking-payments/internal/app"
	"github.com/staybook/booking-payments/internal/config"
	"github.com/staybook/booking-payments/internal/handlers"
	"github.com/staybook/booking-payments/internal/middleware"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger("info").Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg.Server.LogLevel)
	logger.Info("Starting booking payments service")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer a.Close()

	if a.Chapa.HasWebhookSecret() {
		logger.Info("Webhook signature verification enabled")
	} else {
		logger.Warn("CHAPA_WEBHOOK_SECRET not set, webhook signatures will not be checked")
	}

	// Confirmation email worker
	workerCtx, stopWorker := context.WithCancel(rootCtx)
	var workerWG sync.WaitGroup
	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		if err := a.NewWorker().Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Notification worker stopped")
		}
	}()
	logger.Info("✓ Notification worker started")

	// Reconciliation sweep
	if cfg.Reconcile.Enabled {
		if err := a.Reconciler.Start(); err != nil {
			logger.Fatalf("Failed to start reconciliation: %v", err)
		}
		logger.WithField("schedule", cfg.Reconcile.Schedule).Info("✓ Reconciliation service started")
	}

	paymentHandler := handlers.NewPaymentHandler(a.Initiator, a.Verifier, a.Payments, a.Chapa, a.Audit, logger)
	healthHandler := handlers.NewHealthHandler(a.DB, version)

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))

	// CORS configuration
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", middleware.CorrelationIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check endpoint
	router.GET("/health", healthHandler.Health)

	paymentHandler.RegisterRoutes(router.Group("/api"))

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	if cfg.Reconcile.Enabled {
		logger.Info("Stopping reconciliation service...")
		a.Reconciler.Stop()
	}

	logger.Info("Stopping notification worker...")
	stopWorker()
	workerWG.Wait()

	logger.Info("Server exited successfully")
}
