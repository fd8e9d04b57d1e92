package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/breach-shield/notification-engine/internal/audit"
	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/dispatcher"
	"github.com/breach-shield/notification-engine/internal/gateway"
	"github.com/breach-shield/notification-engine/internal/handlers"
	"github.com/breach-shield/notification-engine/internal/incident"
	"github.com/breach-shield/notification-engine/internal/kafka"
	"github.com/breach-shield/notification-engine/internal/metrics"
	"github.com/breach-shield/notification-engine/internal/scheduler"
	"github.com/breach-shield/notification-engine/internal/stakeholder"
	"github.com/breach-shield/notification-engine/internal/template"
	"github.com/breach-shield/notification-engine/internal/workflow"
)

const (
	serviceName = "breach-notification-engine"
	version     = "1.0.0"
)

func main() {
	migrateOnly := pflag.Bool("migrate-only", false, "run database migrations and exit")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting Breach Notification Engine",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}
	if *migrateOnly {
		logger.Info("Migrations complete, exiting")
		return
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	// Repositories
	workflowRepo := database.NewWorkflowRepository(db, logger)
	notificationRepo := database.NewNotificationRepository(db, logger)
	templateRepo := database.NewTemplateRepository(db, logger)
	stakeholderRepo := database.NewStakeholderRepository(db, logger)
	auditRepo := database.NewAuditRepository(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit sink
	auditLogger := audit.NewLogger(auditRepo, logger)
	auditLogger.Start(ctx)
	defer auditLogger.Stop()

	// Redis cache of the active workflow set
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, active-workflow cache disabled", "error", err)
			redisClient = nil
		}
	}
	activeCache := workflow.NewActiveCache(redisClient, logger)

	// Kafka event publisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
	}

	// Core components
	templateEngine := template.NewEngine(templateRepo)
	directory := stakeholder.NewDirectory(stakeholderRepo, logger)
	incidentProvider := incident.NewPostgresProvider(db)

	gateways := gateway.NewRegistry(
		logger,
		gateway.NewEmailGateway(cfg.Notifications.Email, logger),
		gateway.NewSMSGateway(cfg.Notifications.SMS, logger),
		gateway.NewPhoneGateway(cfg.Notifications.SMS, logger),
		gateway.NewMailGateway(cfg.Notifications.Mail, logger),
		gateway.NewWebhookGateway(cfg.Notifications.Webhook, logger),
	)

	var events dispatcher.EventPublisher
	if producer != nil {
		events = producer
	}

	notificationDispatcher := dispatcher.New(
		cfg.Dispatcher,
		cfg.Notifications,
		cfg.Kafka.Topics,
		logger,
		notificationRepo,
		stakeholderRepo,
		templateEngine,
		directory,
		gateways,
		incidentProvider,
		auditLogger,
		events,
	)

	var workflowEvents workflow.EventPublisher
	if producer != nil {
		workflowEvents = producer
	}

	engine := workflow.NewEngine(
		cfg.Workflow,
		cfg.Kafka.Topics,
		logger,
		workflowRepo,
		notificationRepo,
		incidentProvider,
		templateEngine,
		directory,
		notificationDispatcher,
		auditLogger,
		workflowEvents,
		activeCache,
	)
	defer engine.Stop()

	// Delivery completions and permanent failures flow back to the owning
	// workflow
	notificationDispatcher.SetResultHandler(engine)

	// Metrics
	metricsCollector := metrics.NewCollector(logger, workflowRepo, notificationRepo)
	engine.SetMetrics(metricsCollector)
	notificationDispatcher.SetMetrics(metricsCollector)

	// Kafka incident intake
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.NewConsumer(cfg.Kafka, engine, logger)
		if err != nil {
			logger.Error("Failed to create Kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(); err != nil {
			logger.Error("Failed to start Kafka consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Stop()
	}

	// Periodic tasks
	var taskScheduler *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		taskHandlers := scheduler.NewHandlers(
			cfg, logger, engine, notificationDispatcher, notificationRepo, auditRepo, metricsCollector)
		taskScheduler, err = scheduler.New(cfg, logger, taskHandlers)
		if err != nil {
			logger.Error("Failed to create scheduler", "error", err)
			os.Exit(1)
		}
		taskScheduler.Start()
		defer taskScheduler.Stop()
	}

	// HTTP surface
	healthChecks := map[string]handlers.HealthChecker{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
	}
	if redisClient != nil {
		healthChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	httpHandlers := handlers.NewHTTPHandler(
		logger,
		workflowRepo,
		notificationRepo,
		auditRepo,
		engine,
		notificationDispatcher,
		directory,
		healthChecks,
	)

	router := mux.NewRouter()
	httpHandlers.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	logger.Info("Service shutdown complete")
}

// setupLogging configures the structured logger from config
func setupLogging(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Logging.IncludeSource,
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
