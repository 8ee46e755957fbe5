package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-indexer/internal/chain"
	"github.com/atmx/lending-indexer/internal/config"
	"github.com/atmx/lending-indexer/internal/ingest"
	"github.com/atmx/lending-indexer/internal/metrics"
	"github.com/atmx/lending-indexer/internal/projection"
	"github.com/atmx/lending-indexer/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})).
		With("run_id", runID)
	slog.SetDefault(logger)

	safe := cfg.Sanitized()
	slog.Info("starting lending-indexer",
		"rpc", safe.RPCURL, "database", safe.DatabaseURL, "redis", safe.RedisURL,
		"comptroller", cfg.Protocol.Comptroller.Hex(), "native_market", cfg.Protocol.NativeMarket.Address.Hex())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (event delivery, watch registration, cache) ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	cleanup = append(cleanup, func() { rdb.Close() })

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if cfg.CacheTTL > 0 {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Chain reader ---
	client, err := chain.DialEthClient(cfg.RPCURL)
	if err != nil {
		slog.Error("rpc connection failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, client.Close)
	reader := chain.NewEthReader(client, cfg.Protocol.Comptroller)

	// --- Projection engine ---
	engine := projection.New(st, reader,
		projection.WithLogger(logger),
		projection.WithProtocol(cfg.Protocol),
		projection.WithWatcher(ingest.NewRedisWatcher(rdb, cfg.WatchStream)),
	)
	if err := engine.Init(ctx); err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	consumerName := cfg.ConsumerName
	if consumerName == "" {
		consumerName = runID
	}
	consumer, err := ingest.NewConsumer(rdb, ingest.ConsumerConfig{
		Stream:   cfg.EventStream,
		Group:    cfg.ConsumerGroup,
		Consumer: consumerName,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("consumer setup failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lending-indexer"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(engine.Stats())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ops server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// --- Consume until shutdown or a failed event ---
	exitCode := 0
	err = consumer.Run(ctx, engine.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", "err", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down lending-indexer...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stats := engine.Stats()
	slog.Info("final stats", "handled", stats.Handled, "failed", stats.Failed, "dropped", stats.Dropped,
		"duplicates", stats.Duplicates, "reverted_calls", stats.RevertedCalls)
	fmt.Println("lending-indexer stopped")

	if exitCode != 0 {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(exitCode)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
