package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/atmx/fill-recon/internal/api"
	"github.com/atmx/fill-recon/internal/config"
	"github.com/atmx/fill-recon/internal/ledger"
	"github.com/atmx/fill-recon/internal/linker"
	"github.com/atmx/fill-recon/internal/metrics"
	"github.com/atmx/fill-recon/internal/reconcile"
	"github.com/atmx/fill-recon/internal/store"
)

func main() {
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	level.Set(config.ParseLevel(cfg.App.LogLevel))

	// --- Initialize store ---
	var st store.Store
	var locker ledger.Locker
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}

		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache and shared ledger leases if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Reconcile.CacheTTL)
			locker = store.NewRedisLocker(rdb, cfg.Reconcile.LockTTL)
			slog.Info("Redis cache and ledger leases enabled")
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

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Reconciliation pipeline ---
	engine := reconcile.NewEngine(cfg.Reconcile.Engine())
	writer := ledger.NewWriter(st, locker)
	lk := linker.New(st, engine, writer, linker.Config{
		DefaultDesk:       cfg.Reconcile.DefaultDesk,
		OptionsDesk:       cfg.Reconcile.OptionsDesk,
		AutoCreateEntries: cfg.Reconcile.AutoCreateEntries,
	}, wsHub)
	h := api.NewHandler(st, lk)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.App.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, cfg.App.Name)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of applied reconcile updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			// Broker ingest and reconciliation.
			r.Post("/brokers/{broker}/activities", h.IngestActivities)
			r.Post("/sync", h.Sync)

			// Journal entries.
			r.Post("/entries", h.CreateEntry)
			r.Get("/entries/{entryID}", h.GetEntry)
			r.Put("/entries/{entryID}/override", h.SetOverride)
			r.Get("/entries/{entryID}/ledger", h.GetLedger)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.App.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fill-recon listening", "port", cfg.App.Port, "env", cfg.App.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down fill-recon...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	wsHub.Close()
	fmt.Println("fill-recon stopped")
}
