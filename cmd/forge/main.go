package main

import (
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"creatorstudio/internal/handlers"
	"creatorstudio/internal/jobs"
	"creatorstudio/internal/ledger"
	"creatorstudio/internal/provider"
	"creatorstudio/internal/ratelimit"
	"creatorstudio/internal/stripeclient"
	"creatorstudio/migrations"
	"creatorstudio/pkg/config"
	"creatorstudio/pkg/database"
	"creatorstudio/pkg/kafka"
	"creatorstudio/pkg/logging"
	"creatorstudio/pkg/middleware"
	"creatorstudio/pkg/monitoring"
	"creatorstudio/pkg/server"
)

const serviceName = "forge"

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbCfg, logger)
	defer db.Close()

	if err := database.Migrate(db, migrations.FS, ".", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database migrations")
	}

	providerURL := config.GetEnv("GENERATION_API_URL", "")
	providerClient := provider.NewHTTPClient(provider.Config{
		BaseURL: providerURL,
		Token:   config.GetEnv("GENERATION_API_TOKEN", ""),
		Logger:  logger,
	})

	var events *kafka.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","),
			config.GetEnv("KAFKA_TOPIC", "forge-events"), serviceName, logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka unavailable, continuing without event publishing")
		} else {
			events = producer
			defer events.Close()
		}
	}

	var limiterStore ratelimit.KeyValueStore = ratelimit.NewMemoryStore()
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Invalid REDIS_URL")
		}
		redisClient := goredis.NewClient(opts)
		defer redisClient.Close()
		limiterStore = ratelimit.NewRedisStore(redisClient, "ratelimit:")
		logger.Info("Rate limit windows backed by Redis")
	}

	ledgerSvc := ledger.New(db, logger)
	jobClient := jobs.NewClient(ledgerSvc, providerClient, events, logger, jobs.Config{
		PollInterval:    config.GetEnvDuration("POLL_INTERVAL", 5*time.Second),
		MaxAttempts:     config.GetEnvInt("POLL_MAX_ATTEMPTS", 120),
		RefundOnFailure: config.GetEnvBool("REFUND_ON_FAILURE", false),
	})

	stripeSecretKey := config.GetEnv("STRIPE_SECRET_KEY", "")
	stripeClient := stripeclient.NewClient(stripeclient.Config{
		SecretKey: stripeSecretKey,
		Logger:    logger,
	})

	metricsCollector := monitoring.NewMetricsCollector(serviceName, version, commit)
	serviceMetrics := &handlers.Metrics{
		JobsSubmitted: metricsCollector.NewCounter("jobs_submitted_total",
			"Generation job submissions by action and outcome", []string{"action", "status"}),
		WebhookEvents: metricsCollector.NewCounter("webhook_events_total",
			"Stripe webhook events by type and outcome", []string{"event_type", "status"}),
		WebhookSignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total",
			"Stripe webhook deliveries rejected for bad signatures", nil).WithLabelValues(),
	}

	healthChecker := monitoring.NewHealthChecker(serviceName, version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("provider", monitoring.ProviderHealthCheck("generation provider", providerURL))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"STRIPE_SECRET_KEY":     stripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		"GENERATION_API_URL":    providerURL,
	}))
	if events != nil {
		healthChecker.AddCheck("kafka", func() monitoring.CheckResult {
			if err := events.HealthCheck(); err != nil {
				return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: err.Error()}
			}
			return monitoring.CheckResult{Status: monitoring.StatusHealthy}
		})
	}

	handlers.Init(handlers.Deps{
		DB:      db,
		Logger:  logger,
		Metrics: serviceMetrics,
		Ledger:  ledgerSvc,
		Jobs:    jobClient,
		Tracker: jobs.NewTracker(),
		Limiter: ratelimit.New(limiterStore),
		Stripe:  stripeClient,
		Events:  events,
	})

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)

	// Webhooks authenticate by signature, not by user identity.
	router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)

	api := router.Group("/")
	api.Use(middleware.UserIDMiddleware())
	{
		api.GET("/credits", handlers.GetBalance)
		api.GET("/credits/transactions", handlers.GetTransactions)
		api.POST("/credits/checkout", handlers.CreateCheckout)
		api.POST("/generate/video", handlers.GenerateVideo)
		api.POST("/generate/music", handlers.GenerateMusic)
		api.POST("/generate/sfx", handlers.GenerateSFX)
		api.GET("/generate/jobs/:id", handlers.GetJob)
		api.DELETE("/generate/jobs/:id", handlers.CancelJob)
	}

	if err := server.Start(server.DefaultConfig(serviceName, "18090"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}
