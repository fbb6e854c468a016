package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/difficulty"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/handler"
	"github.com/airfeeld-scoring/internal/kafka"
	"github.com/airfeeld-scoring/internal/memstore"
	"github.com/airfeeld-scoring/internal/metrics"
	"github.com/airfeeld-scoring/internal/postgres"
	"github.com/airfeeld-scoring/internal/redis"
	"github.com/airfeeld-scoring/internal/scoring"
	"github.com/airfeeld-scoring/internal/seed"
	"github.com/airfeeld-scoring/internal/service"
	"github.com/airfeeld-scoring/internal/websocket"
	"github.com/airfeeld-scoring/internal/worker"
)

// store is everything the game needs from its persistence backend
type store interface {
	service.RoundStore
	service.PhotoCatalog
	service.TotalsSource
	scoring.DifficultyReader
	difficulty.AggregatorStore
	difficulty.AdjusterStore
	difficulty.PopulationCounter
	handler.Pinger
}

// leaderboard is the ranked index of player totals
type leaderboard interface {
	service.LeaderboardIndex
	service.TotalRecorder
}

// backend bundles the storage pieces chosen by configuration
type backend struct {
	store       store
	leaderboard leaderboard
	locker      worker.Locker
	eventLog    service.EventLog
	checks      map[string]handler.Pinger
	closers     []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}
	level.Set(cfg.Log.Level)

	metrics.Init()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer b.close()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run(ctx)

	// Initialize services
	engine := scoring.NewEngine(b.store, logger)
	gameService := service.NewGameService(b.store, b.store, engine, &cfg.Game, logger)
	leaderboardService := service.NewLeaderboardService(b.leaderboard, b.store, &cfg.Leaderboard, logger)

	aggregator := difficulty.NewAggregator(
		b.store,
		b.store,
		domain.ActivationThresholds{
			MinPhotos:  cfg.Difficulty.ActivationPhotos,
			MinPlayers: cfg.Difficulty.ActivationPlayers,
		},
		cfg.Difficulty.MinPhotoAttempts,
		logger,
	)
	adjuster := difficulty.NewAdjuster(b.store, cfg.Difficulty.AdjusterConcurrency, logger)

	// Score events flow through Kafka when it is enabled; the consumer
	// projects them onto the leaderboard and the hub, in per-player order.
	// Otherwise the game and the adjuster write to both directly.
	var (
		producer *kafka.Producer
		consumer *kafka.Consumer
	)
	if cfg.Kafka.Enabled {
		producer, consumer, err = startKafka(cfg, b, wsHub, logger)
		if err != nil {
			logger.Warn("failed to start Kafka, continuing without it", "error", err)
		}
	}
	if producer != nil {
		gameService.SetPublisher(producer)
		aggregator.SetPublisher(producer)
		adjuster.SetPublisher(producer)
	} else {
		gameService.SetRecorder(b.leaderboard)
		gameService.SetPublisher(wsHub)
		aggregator.SetPublisher(wsHub)
		adjuster.SetRecorder(b.leaderboard)
		adjuster.SetPublisher(wsHub)
	}

	difficultyWorker := worker.NewDifficultyWorker(
		aggregator,
		adjuster,
		gameService,
		b.locker,
		&cfg.Difficulty,
		cfg.Game.SweepInterval,
		logger,
	)
	difficultyWorker.SetRebuilder(leaderboardService)

	// Rebuild the leaderboard from the ledger on startup (recovery)
	logger.Info("rebuilding leaderboard from player totals")
	if err := leaderboardService.Rebuild(ctx); err != nil {
		logger.Warn("failed to rebuild leaderboard on startup", "error", err)
	}

	if cfg.Difficulty.Enabled {
		if err := difficultyWorker.Start(ctx); err != nil {
			logger.Error("failed to start difficulty worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(gameService, leaderboardService, aggregator, wsHub, logger)
	httpHandler.SetRunner(difficultyWorker)
	for name, p := range b.checks {
		httpHandler.AddReadinessCheck(name, p)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// Stop difficulty worker
	if err := difficultyWorker.Stop(); err != nil {
		logger.Error("failed to stop difficulty worker", "error", err)
	}

	// Flush the producer before the consumer goes away
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stops the WebSocket hub
	cancel()

	logger.Info("server stopped")
}

// openBackend connects the storage selected by cfg.Storage.Driver
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{checks: make(map[string]handler.Pinger)}

	switch cfg.Storage.Driver {
	case config.StorageMemory:
		catalog, err := seed.LoadOrDefault(cfg.Storage.SeedFile)
		if err != nil {
			return nil, err
		}
		mem := memstore.NewSeeded(catalog)
		b.store = mem
		b.checks["store"] = mem
		logger.Info("using in-memory storage", "airports", len(catalog.Airports), "photos", len(catalog.Photos))

	case config.StoragePostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, repo.Close)

		// Run database migrations
		if err := repo.RunMigrations(ctx); err != nil {
			b.close()
			return nil, err
		}
		if cfg.Storage.SeedFile != "" {
			catalog, err := seed.Load(cfg.Storage.SeedFile)
			if err != nil {
				b.close()
				return nil, err
			}
			if err := repo.ApplyCatalog(ctx, catalog); err != nil {
				b.close()
				return nil, err
			}
		}
		b.store = repo
		b.eventLog = repo
		b.checks["postgres"] = repo

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if !cfg.Redis.Enabled {
		b.leaderboard = memstore.NewLeaderboard()
		b.locker = worker.NewLocalLocker()
		return b, nil
	}

	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	client, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		b.close()
		return nil, err
	}
	board := redis.NewLeaderboard(client, logger)
	b.closers = append(b.closers, func() { board.Close() })
	b.leaderboard = board
	b.locker = redis.NewLocker(client)
	b.checks["redis"] = board
	return b, nil
}

// startKafka wires the producer used by the game and the consumer that
// projects events back onto the read side
func startKafka(cfg *config.Config, b *backend, hub *websocket.Hub, logger *slog.Logger) (*kafka.Producer, *kafka.Consumer, error) {
	logger.Info("initializing Kafka",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
	)

	projector := service.NewEventProjector(b.leaderboard, logger)
	projector.SetLedger(b.store)
	projector.SetBroadcaster(hub)
	if b.eventLog != nil {
		projector.SetEventLog(b.eventLog)
	}

	consumer, err := kafka.NewConsumer(&cfg.Kafka, projector, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := consumer.Start(); err != nil {
		consumer.Stop()
		return nil, nil, err
	}

	producer, err := kafka.NewProducer(&cfg.Kafka, logger)
	if err != nil {
		consumer.Stop()
		return nil, nil, err
	}
	return producer, consumer, nil
}
