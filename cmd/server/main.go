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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/goalflow/execution-engine/internal/batch"
	"github.com/goalflow/execution-engine/internal/broker"
	"github.com/goalflow/execution-engine/internal/config"
	"github.com/goalflow/execution-engine/internal/engine"
	"github.com/goalflow/execution-engine/internal/fills"
	"github.com/goalflow/execution-engine/internal/lots"
	"github.com/goalflow/execution-engine/internal/metrics"
	"github.com/goalflow/execution-engine/internal/reconcile"
	"github.com/goalflow/execution-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Broker adapter ---
	var brk broker.Broker
	switch cfg.Broker {
	case "simulator":
		brk = broker.NewSimulator()
	default:
		slog.Error("unknown broker", "broker", cfg.Broker)
		os.Exit(1)
	}
	slog.Info("broker adapter ready", "broker", brk.Name())

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Pipeline ---
	ledger := lots.NewLedger(st)
	processor := fills.NewProcessor(st, ledger, logger)
	distributor := fills.NewDistributor(st, ledger, logger)
	aggregator := batch.NewAggregator(st, distributor, logger)
	runner := batch.NewRunner(st, brk, aggregator, processor, cfg.BatchWorkers, logger)
	reconciler := reconcile.NewReconciler(st, brk, logger)

	svc := engine.NewService(st, processor, runner, reconciler, wsHub)

	// --- Scheduled reconciliation ---
	if cfg.ReconcileSchedule != "" {
		sched, err := reconcile.NewScheduler(reconciler, cfg.ReconcileSchedule, cfg.ReconcileTimeout, logger)
		if err != nil {
			slog.Error("invalid RECONCILE_SCHEDULE", "err", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"execution-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("execution-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down execution-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("execution-engine stopped")
}
