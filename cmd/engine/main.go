package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"github.com/jikey8911/signalkey/internal/adapters/clickhouse"
	"github.com/jikey8911/signalkey/internal/adapters/config"
	"github.com/jikey8911/signalkey/internal/adapters/database"
	"github.com/jikey8911/signalkey/internal/adapters/exchange"
	redisAdapter "github.com/jikey8911/signalkey/internal/adapters/redis"
	"github.com/jikey8911/signalkey/internal/adapters/telegram"
	"github.com/jikey8911/signalkey/internal/boot"
	"github.com/jikey8911/signalkey/internal/bots"
	"github.com/jikey8911/signalkey/internal/engine"
	"github.com/jikey8911/signalkey/internal/features"
	"github.com/jikey8911/signalkey/internal/ledger"
	"github.com/jikey8911/signalkey/internal/marketdata"
	"github.com/jikey8911/signalkey/internal/notify"
	"github.com/jikey8911/signalkey/internal/signals"
	"github.com/jikey8911/signalkey/internal/strategy"
	"github.com/jikey8911/signalkey/internal/stream"
	"github.com/jikey8911/signalkey/internal/users"
	"github.com/jikey8911/signalkey/pkg/logger"
	"github.com/jikey8911/signalkey/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("signal execution engine starting",
		zap.String("addr", cfg.Server.Addr),
	)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	locks, redisClient, err := initLocks(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	usersRepo := users.NewRepository(db)
	botsRepo := bots.NewRepository(db)
	signalsRepo := signals.NewRepository(db)
	featuresRepo := features.NewRepository(db)

	bus := notify.NewBus()

	vledger := ledger.New(db, bus)
	if err := vledger.MigrateCanonicalMarkets(ctx); err != nil {
		return fmt.Errorf("failed to fold virtual balances: %w", err)
	}

	exchanges := exchange.NewRegistry(&cfg.Exchanges, usersRepo)
	defer exchanges.Close()

	var history features.HistoryWriter
	if cfg.ClickHouse.Enabled {
		chRepo, err := clickhouse.Connect(&cfg.ClickHouse)
		if err != nil {
			logger.Warn("ClickHouse unavailable, feature history disabled",
				zap.Error(err),
			)
		} else {
			if err := chRepo.EnsureSchema(ctx); err != nil {
				chRepo.Close()
				return err
			}
			writer := clickhouse.NewFeatureBatchWriter(chRepo, 500, 5*time.Second)
			history = writer
			defer chRepo.Close()
			defer writer.Close()
		}
	}

	strategies := strategy.NewRegistry()
	featureStore := features.NewStore(featuresRepo, strategies, history)

	streams := stream.NewService(&cfg.Stream, exchanges)
	defer streams.Shutdown()

	var (
		execEvents engine.Notifier = bus
		sigEvents  signals.Events  = bus
	)
	if cfg.Telegram.Enabled {
		notifier, err := telegram.NewNotifier(&cfg.Telegram, usersRepo)
		if err != nil {
			return err
		}
		bridge := telegram.NewBridge(bus, notifier)
		execEvents = bridge
		sigEvents = bridge
	}

	eng := engine.New(botsRepo, vledger, exchanges, execEvents)

	analyzer := signals.NewLLMAnalyzer(&cfg.AI)
	runner := signals.NewRunner(&cfg.Signals, signalsRepo, eng, streams, sigEvents)
	defer runner.Shutdown()

	orchestrator := signals.NewOrchestrator(
		signalsRepo, analyzer, usersRepo, exchanges, eng, sigEvents, runner,
	)
	sweeper := signals.NewExpirySweeper(
		signalsRepo, analyzer, exchanges, eng, runner, sigEvents, locks,
	)

	workers := worker.NewWorkerGroup(ctx)
	workers.Add(sweeper, cfg.Signals.SweeperInterval)
	workers.Start()

	buffers := marketdata.NewManager()
	bootSvc := boot.NewService(
		&cfg.Engine, botsRepo, exchanges, buffers, streams,
		featureStore, strategies, eng, bus, orchestrator,
	)
	if err := bootSvc.Recover(ctx); err != nil {
		return fmt.Errorf("boot recovery failed: %w", err)
	}

	srv := startHTTP(cfg, bus)

	logger.Info("signal execution engine started")
	<-ctx.Done()

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	workers.Stop(shutdownTimeout)
	bootSvc.Shutdown()

	return nil
}

// initConfig loads configuration and initializes the logger.
func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// initDatabase connects to postgres and applies pending migrations.
func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrationsPath := "./migrations"
	if err := database.RunMigrations(db.Conn(), migrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
	)
	return db, nil
}

// initLocks builds the distributed lock factory. Without redis the
// sweeper runs on local no-op locks, fine for a single instance.
func initLocks(cfg *config.Config) (redisAdapter.LockFactory, *redisAdapter.Client, error) {
	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, using local locks")
		return redisAdapter.NewMockLockFactory(), nil, nil
	}

	client, err := redisAdapter.New(&cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if err := client.Health(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis health check failed: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("host", cfg.Redis.Host),
		zap.Int("port", cfg.Redis.Port),
	)
	return client.GetLockFactory(), client, nil
}

// startHTTP serves the websocket event stream and the health endpoint.
func startHTTP(cfg *config.Config, bus *notify.Bus) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", bus.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	return srv
}
