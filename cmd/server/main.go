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
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/api"
	"github.com/duelarena/battle-engine/internal/config"
	"github.com/duelarena/battle-engine/internal/engine"
	"github.com/duelarena/battle-engine/internal/ledger"
	"github.com/duelarena/battle-engine/internal/metrics"
	"github.com/duelarena/battle-engine/internal/pool"
	"github.com/duelarena/battle-engine/internal/reconcile"
	"github.com/duelarena/battle-engine/internal/solvency"
	"github.com/duelarena/battle-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	// --- Read-side cache store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		st = store.NewPostgresStore(pgPool)
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

	// --- Battle engine and authoritative ledger ---
	schedule := make([]decimal.Decimal, len(cfg.LeverageSchedule))
	for i, lev := range cfg.LeverageSchedule {
		schedule[i] = decimal.NewFromInt(int64(lev))
	}
	eng, err := engine.New(engine.Config{
		ProofInterval:      cfg.ProofInterval,
		GraceWindow:        cfg.GraceWindow,
		EscalationInterval: cfg.EscalationInterval,
		LeverageSchedule:   schedule,
		BattleDuration:     cfg.BattleDuration,
		LobbyDeadline:      cfg.LobbyDeadline,
		SystemSponsors:     cfg.SystemSponsors,
	},
		solvency.NewEvaluator(cfg.MaintenanceMargin, cfg.EliminationThreshold),
		pool.New(cfg.MinBet, cfg.MaxPerBettor, cfg.MaxPerSide, cfg.Split()),
	)
	if err != nil {
		slog.Error("engine configuration invalid", "err", err)
		os.Exit(1)
	}
	lg := ledger.NewMemory(eng)

	// The reconciler reads the authoritative record from the chain when an
	// RPC endpoint is configured, otherwise from the in-process ledger.
	var reader ledger.Reader = lg
	if cfg.EVMRPCURL != "" {
		evm, err := ledger.NewEVM(cfg.EVMRPCURL, cfg.ContractAddress)
		if err != nil {
			slog.Error("EVM ledger configuration invalid", "err", err)
			os.Exit(1)
		}
		reader = evm
		slog.Info("reconciling against EVM ledger", "contract", cfg.ContractAddress)
	}
	reconciler := reconcile.New(reader, st, logger)

	// --- Event publishing ---
	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)

		js, err = jetstream.New(nc)
		if err != nil {
			slog.Error("JetStream init failed", "err", err)
			os.Exit(1)
		}
		if err := api.EnsureEventStream(context.Background(), js); err != nil {
			slog.Error("event stream setup failed", "err", err)
			os.Exit(1)
		}
		slog.Info("NATS event publishing enabled")
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Battle service ---
	dispatcher := api.NewDispatcher(wsHub, js)
	svc := api.NewService(lg, st, dispatcher, reconciler)

	// --- Background loops ---
	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go checkLoop(rootCtx, lg, svc, cfg.CheckInterval)
	go reconcileLoop(rootCtx, reconciler, cfg.ReconcileInterval)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"battle-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time battle events.
		r.Get("/ws", wsHub.HandleWS)

		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("battle-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down battle-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("battle-engine stopped")
}

// checkLoop ticks the clock against every non-terminal battle: lobby expiry,
// leverage escalation, and missed-proof forfeiture.
func checkLoop(ctx context.Context, lg ledger.Ledger, svc *api.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			battles, err := lg.ListBattles(ctx)
			if err != nil {
				slog.Error("check loop: list battles failed", "err", err)
				continue
			}
			for _, b := range battles {
				if b.Status.Terminal() {
					continue
				}
				if err := svc.Tick(ctx, b.ID); err != nil {
					slog.Error("check loop: tick failed", "battle_id", b.ID, "err", err)
				}
			}
		}
	}
}

// reconcileLoop runs the scheduled reconciliation passes.
func reconcileLoop(ctx context.Context, rec *reconcile.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rec.Run(ctx); err != nil {
				slog.Error("reconcile loop failed", "err", err)
			}
		}
	}
}
