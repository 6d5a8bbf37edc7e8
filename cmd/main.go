// cmd/main.go is the application entry point.
// It wires together all layers, starts the HTTP server and the
// expiration sweeper, and shuts both down gracefully.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/reservekit/reservekit/internal/booking"
	"github.com/reservekit/reservekit/internal/clock"
	"github.com/reservekit/reservekit/internal/config"
	"github.com/reservekit/reservekit/internal/database"
	"github.com/reservekit/reservekit/internal/handler"
	"github.com/reservekit/reservekit/internal/ledger"
	"github.com/reservekit/reservekit/internal/notify"
	"github.com/reservekit/reservekit/internal/payment"
	"github.com/reservekit/reservekit/internal/ratelim"
	"github.com/reservekit/reservekit/internal/store"
	"github.com/reservekit/reservekit/internal/store/postgres"
	"github.com/reservekit/reservekit/internal/sweeper"
	"github.com/reservekit/reservekit/internal/waitlist"
	"github.com/reservekit/reservekit/internal/webhook"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	// ── 1. Choose the store ───────────────────────────────────────────────
	// Postgres in normal operation; the in-memory store when DB_HOST is
	// explicitly cleared (local experimentation).
	var st store.Store
	if cfg.DBHost == "" {
		log.Println("DB_HOST empty – using in-memory store")
		st = store.NewMemory()
	} else {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer pool.Close()
		log.Println("✓ Connected to PostgreSQL")
		st = postgres.New(pool)
	}

	// ── 2. Wire up the engine ─────────────────────────────────────────────
	clk := clock.NewSystem()
	notifier := notify.LogNotifier{}

	var gateway payment.Gateway
	if cfg.GatewayURL == "" {
		log.Println("GATEWAY_URL empty – using fake payment gateway")
		gateway = payment.NewFakeGateway()
	} else {
		gateway = payment.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayKey)
	}

	ldg := ledger.New(st)
	wl := waitlist.NewManager(st, notifier, clk, cfg.OfferTTL)
	bm := booking.NewManager(st, ldg, gateway, notifier, wl, clk, booking.Config{
		HoldTTL:    cfg.HoldTTL,
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
	})
	rec := webhook.NewReconciler(bm, clk, cfg.WebhookSecret, cfg.WebhookTolerance)
	swp := sweeper.New(st, bm, wl, clk, cfg.SweepInterval)
	api := handler.New(st, ldg, bm, wl, rec, clk)

	// ── 3. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger)          // structured access log
	r.Use(cors.AllowAll().Handler)
	r.Use(ratelim.New(cfg.RateLimit, cfg.RateLimitBurst).Limit)

	r.Get("/health", handler.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	api.Routes(r)

	// ── 4. Start the sweeper ──────────────────────────────────────────────
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go swp.Run(sweepCtx)

	// ── 5. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✓ Server listening on http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	stopSweeper()
	log.Println("server stopped")
}
