package main

import (
	"context"
	"flag"
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

	"github.com/lumibank/matching-engine/internal/config"
	"github.com/lumibank/matching-engine/internal/engine"
	"github.com/lumibank/matching-engine/internal/metrics"
	"github.com/lumibank/matching-engine/internal/risk"
	"github.com/lumibank/matching-engine/internal/store"
	"github.com/lumibank/matching-engine/internal/trading"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.Redis.TTLSeconds)*time.Second)
			slog.Info("Redis cache enabled", "ttl_seconds", cfg.Redis.TTLSeconds)
		}
	} else {
		slog.Warn("database URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine and order acceptance ---
	eng := engine.New(st, cfg.Fee())
	validator := risk.NewValidator(cfg.Trading.MaxOpenOrders, cfg.Fee())

	// --- WebSocket hub ---
	wsHub := trading.NewWSHub()
	go wsHub.Run()

	// --- Trading service ---
	svc := trading.NewService(st, eng, validator, wsHub)

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
		w.Write([]byte(`{"status":"ok","service":"matching-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade/quote updates.
		r.Get("/ws", wsHub.HandleWS)

		// Instrument administration and market data.
		r.Get("/instruments", svc.ListInstruments)
		r.Post("/instruments", svc.CreateInstrument)
		r.Get("/instruments/{instrumentID}", svc.GetInstrument)
		r.Get("/instruments/{instrumentID}/quote", svc.GetQuote)
		r.Get("/instruments/{instrumentID}/book", svc.GetOrderBook)
		r.Get("/instruments/{instrumentID}/trades", svc.GetInstrumentTrades)

		// Order entry.
		r.Post("/orders", svc.PlaceOrder)
		r.Get("/orders/{orderID}", svc.GetOrder)
		r.Delete("/orders/{orderID}", svc.CancelOrder)

		// Cash accounts.
		r.Post("/accounts", svc.OpenAccount)
		r.Post("/accounts/{accountID}/deposits", svc.Deposit)

		// Per-user queries.
		r.Get("/users/{userID}/orders", svc.GetUserOrders)
		r.Get("/users/{userID}/trades", svc.GetUserTrades)
		r.Get("/users/{userID}/portfolio", svc.GetPortfolio)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("matching-engine listening", "port", cfg.Server.Port)
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

	slog.Info("shutting down matching-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("matching-engine stopped")
}
