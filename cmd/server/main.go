package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/uneseule/uneseule-backend/internal/api"
	"github.com/uneseule/uneseule-backend/internal/api/middleware"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/database"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/logging"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/repository/postgres"
	"github.com/uneseule/uneseule-backend/internal/services"
	"github.com/uneseule/uneseule-backend/internal/summary"
	"github.com/uneseule/uneseule-backend/internal/voice"
	"github.com/uneseule/uneseule-backend/internal/voice/elevenlabs"
	"github.com/uneseule/uneseule-backend/internal/voice/livekit"
)

const driverMemory = "memory"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load configuration: ", err)
	}

	logger := logging.New(cfg.Logging)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	repos, closeDB, err := openRepositories(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage")
	}
	defer closeDB()

	// Counters, locks and nonces
	counters, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer closeCache()

	sealer, err := openSealer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize secret sealing")
	}

	// Voice upstream
	provider, err := openProvider(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize voice provider")
	}

	// Events
	hub := events.NewHub(256)
	publisher := events.Multi{hub}
	if cfg.Kafka.Enabled {
		kafka, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topics)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize kafka publisher")
		}
		publisher = append(publisher, kafka)
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("Publishing events to kafka")
	}
	defer publisher.Close()

	deps := services.Deps{
		Config:     cfg,
		Repos:      repos,
		Counters:   counters,
		Locker:     counters,
		Sealer:     sealer,
		Provider:   provider,
		Summarizer: summary.New(cfg.Summarizer, logger),
		Events:     publisher,
		Logger:     logger,
	}
	if cfg.Security.NonceCache {
		deps.Nonces = counters
	}

	svc, err := services.NewServices(deps)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}

	go svc.Reaper.Run(ctx, cfg.Server.ReaperInterval)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Uneseule Backend",
		ErrorHandler: middleware.ErrorHandler(logger),
		BodyLimit:    cfg.Server.BodyLimit,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(middleware.AccessLog(logger, "/api/v1/health"))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	api.SetupRoutes(app, api.Deps{
		Config:   cfg,
		Services: svc,
		JWT:      auth.NewJWTService(cfg.Security.JWTSecret, cfg.Security.JWTIssuer),
		Hub:      hub,
		Logger:   logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
			logger.WithError(err).Warn("Shutdown did not complete cleanly")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.WithFields(logrus.Fields{
		"addr":           addr,
		"voice_provider": provider.Name(),
		"storage":        cfg.Database.Driver,
	}).Info("Uneseule backend starting")
	if err := app.Listen(addr); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
}

func openRepositories(cfg *config.Config, logger *logrus.Logger) (services.Repositories, func(), error) {
	if cfg.Database.Driver == driverMemory {
		logger.Warn("Using in-memory storage; all data is lost on restart")
		stores := repository.NewMemoryStores()
		return services.Repositories{
			Devices:       stores.Devices,
			Tokens:        stores.Tokens,
			Conversations: stores.Conversations,
			Children:      stores.Children,
			Entitlements:  stores.Entitlements,
			Audit:         stores.Audit,
		}, func() {}, nil
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return services.Repositories{}, nil, err
	}
	if err := database.RunMigrations(cfg.Database); err != nil {
		db.Close()
		return services.Repositories{}, nil, fmt.Errorf("run migrations: %w", err)
	}

	pg := postgres.NewRepositories(db.DB)
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}
	return services.Repositories{
		Devices:       pg.Devices,
		Tokens:        pg.Tokens,
		Conversations: pg.Conversations,
		Children:      pg.Children,
		Entitlements:  pg.Entitlements,
		Audit:         pg.Audit,
	}, closeDB, nil
}

type counterStore interface {
	cache.CounterStore
	cache.Locker
	cache.NonceStore
}

func openCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (counterStore, func(), error) {
	if !cfg.Redis.Enabled {
		logger.Warn("Redis disabled; rate limits and locks are local to this instance")
		mem := cache.NewMemory()
		return mem, mem.Close, nil
	}

	client, err := cache.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedis(client), func() { _ = client.Close() }, nil
}

func openSealer(cfg *config.Config, logger *logrus.Logger) (*auth.Sealer, error) {
	if cfg.Security.SealingKey != "" {
		return auth.NewSealer(cfg.Security.SealingKey)
	}
	if cfg.Database.Driver != driverMemory {
		return nil, fmt.Errorf("security.sealing_key is required with persistent storage")
	}
	logger.Warn("No sealing key configured; using an ephemeral key")
	return auth.NewRandomSealer()
}

func openProvider(cfg *config.Config, logger *logrus.Logger) (voice.Provider, error) {
	httpClient := &http.Client{Timeout: cfg.Voice.Timeout}

	registry := voice.NewRegistry()
	registry.Register(elevenlabs.New(cfg.Voice.ElevenLabs, httpClient))
	if lk, err := livekit.New(cfg.Voice.LiveKit, httpClient); err == nil {
		registry.Register(lk)
	} else {
		logger.WithError(err).Debug("LiveKit provider not registered")
	}

	inner, err := registry.Get(cfg.Voice.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w (available: %v)", err, registry.List())
	}

	breaker := voice.NewBreaker(voice.DefaultBreakerConfig, logger, nil)
	return voice.NewGuarded(inner, breaker, cfg.Voice.Timeout), nil
}
