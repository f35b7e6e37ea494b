package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"unibox/bus"
	"unibox/config"
	controller "unibox/controllers"
	"unibox/middleware"
	"unibox/pipeline"
	"unibox/platform"
	"unibox/routes"
	"unibox/store"
	"unibox/supervisor"
	"unibox/utils"
	"unibox/worker"
)

func main() {
	// `unibox hash-secret <secret>` prints the value for API_CLIENT_SECRET_HASH
	if len(os.Args) == 3 && os.Args[1] == "hash-secret" {
		hash, err := controller.HashSecret(os.Args[2])
		if err != nil {
			logrus.Fatalf("Failed to hash secret: %v", err)
		}
		fmt.Println(hash)
		return
	}

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	logger := utils.NewLogger(cfg.LogLevel, cfg.Environment == "production")
	log := logger.WithField("service", "unibox")
	config.LogConfig(log)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			log.WithError(err).Warn("Sentry initialisation failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	db, err := config.ConnectDB(log.WithField("component", "db"))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageStore := store.NewMessageStore(db, log.WithField("component", "store"))
	eventBus := bus.New(log.WithField("component", "bus"))

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("Redis unreachable, relay and shared rate limits may fail")
		}
		relay := bus.NewRedisRelay(redisClient, "unibox:", log.WithField("component", "relay"))
		detach := relay.Attach(eventBus)
		defer detach()
	}

	ingest := pipeline.New(messageStore, eventBus, log.WithField("component", "pipeline"))

	sup, err := supervisor.New(
		buildAdapters(ctx, cfg, log),
		ingest,
		messageStore,
		eventBus,
		log.WithField("component", "supervisor"),
	)
	if err != nil {
		log.Fatalf("Failed to build connection supervisor: %v", err)
	}
	sup.Start()

	for _, p := range sup.Platforms() {
		if err := sup.Connect(ctx, p); err != nil {
			log.WithError(err).WithField("platform", p).Warn("Initial connect failed")
		}
	}

	syncWorker := worker.NewSyncWorker(sup, cfg.SyncInterval, log.WithField("component", "sync_worker"))
	go syncWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "unibox",
		DisableStartupMessage: cfg.Environment == "production",
	})
	app.Use(middleware.CORS())

	var limiterStorage fiber.Storage
	if redisClient != nil {
		limiterStorage = middleware.NewRedisStorageFromClient(redisClient)
	}

	if cfg.APIClientSecretHash == "" {
		log.Warn("API_CLIENT_SECRET_HASH is not set; /auth/token rejects every request")
	}

	routes.SetupRoutes(app, routes.Handlers{
		Auth:        controller.NewAuthController(cfg.APIClientID, cfg.APIClientSecretHash, cfg.TokenTTL, log.WithField("component", "auth")),
		Messages:    controller.NewMessageController(messageStore, ingest, log.WithField("component", "messages")),
		Connections: controller.NewConnectionController(sup, log.WithField("component", "connections")),
		Events:      controller.NewEventsController(eventBus, log.WithField("component", "events")),
		SendLimiter: middleware.SendRateLimiter(cfg.RateLimitSend, limiterStorage, log.WithField("component", "limiter")),
		Ping:        pingDB(db),
	}, log.WithField("component", "routes"))

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("Shutting down")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Warn("HTTP shutdown failed")
		}
	}()

	log.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Errorf("Server stopped: %v", err)
	}

	sup.Stop()
	eventBus.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// buildAdapters registers a variant for every platform with configured credentials
func buildAdapters(ctx context.Context, cfg config.Config, log *logrus.Entry) []platform.Adapter {
	var adapters []platform.Adapter

	if cfg.WhatsAppBridgeURL != "" {
		l := log.WithField("platform", "whatsapp")
		adapters = append(adapters, platform.NewWhatsApp(platform.NewBridgeClient(cfg.WhatsAppBridgeURL, l), l))
	}
	if cfg.WhatsAppBusinessBridgeURL != "" {
		l := log.WithField("platform", "whatsapp-business")
		adapters = append(adapters, platform.NewWhatsAppBusiness(platform.NewBridgeClient(cfg.WhatsAppBusinessBridgeURL, l), l))
	}
	if cfg.Google.RefreshToken != "" {
		adapters = append(adapters, platform.NewGmail(
			platform.NewGmailClient(ctx, cfg.Google),
			cfg.GmailFetchMax,
			log.WithField("platform", "gmail"),
		))
	}
	if cfg.IMAP.Host != "" {
		adapters = append(adapters, platform.NewIMAP(cfg.IMAP, cfg.SMTP, log.WithField("platform", "imap")))
	}

	if len(adapters) == 0 {
		log.Warn("No platform credentials configured; only direct ingestion is available")
	}
	return adapters
}

func pingDB(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
