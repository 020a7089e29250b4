package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pizzeria-checkout/internal/config"
	"pizzeria-checkout/internal/database"
	"pizzeria-checkout/internal/infrastructure/payment"
	"pizzeria-checkout/internal/presenter"
	"pizzeria-checkout/internal/repo"
	"pizzeria-checkout/internal/server"
	"pizzeria-checkout/internal/service"
	"pizzeria-checkout/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Server.Env)
	slog.SetDefault(logger)

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db.DB()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	orderRepo := repo.NewOrderRepo(db.DB())
	paymentRepo := repo.NewPaymentRepo(db.DB())
	gateway := payment.NewMercadoPago(cfg.MercadoPago)

	poller := worker.NewStatusPoller(gateway, cfg.Polling.Interval, cfg.Polling.MaxAttempts, logger)
	board := presenter.NewBoard()
	checkout := service.NewCheckoutService(db.DB(), orderRepo, paymentRepo, gateway, poller, board, service.URLRedirect{}, logger)

	reconciler := worker.NewReconciliationWorker(orderRepo, gateway, poller, checkout, worker.ReconciliationOptions{
		Interval:   cfg.Reconciliation.Interval,
		StuckAfter: cfg.Reconciliation.StuckAfter,
		MaxAge:     cfg.Reconciliation.MaxAge,
		BatchSize:  cfg.Reconciliation.BatchSize,
	}, logger)
	go reconciler.Run(ctx)

	limiter := server.NewIPRateLimiter(cfg.Server.CheckoutPerMin)
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep()
				if n := board.Sweep(); n > 0 {
					logger.Debug("evicted lifecycle screens", "count", n)
				}
			}
		}
	}()

	handler := server.NewHandler(checkout, board, db, logger)
	srv := server.NewHTTPServer(cfg.Server, server.NewRouter(cfg.Server, handler, limiter))

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	poller.Stop()
	logger.Info("server stopped")
}

func newLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
