package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mekazstan/relworx-payment-gateway/internal/config"
	"github.com/Mekazstan/relworx-payment-gateway/internal/jobs"
	"github.com/Mekazstan/relworx-payment-gateway/internal/orders"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := cfg.NewLogger().With("component", "scheduler")

	ctx := context.Background()
	repo, err := orders.OpenRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer repo.Close()

	logger.Info("Connected to database successfully")

	store := orders.NewStore(repo, orders.NewFileStore(cfg.OrdersFallbackPath), logger)

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	// ============================================
	// Fallback order replay
	// Copies orders written to ORDERS_FALLBACK_PATH during a database
	// outage back into the database. Default: every 10 minutes.
	// ============================================
	_, err = c.AddFunc(cfg.ReplaySchedule, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := jobs.ReplayFallbackOrders(runCtx, store, logger); err != nil {
			logger.Error("Fallback replay failed", "error", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule fallback replay job: %v", err)
	}

	c.Start()
	logger.Info("Cron scheduler started",
		"fallback_path", cfg.OrdersFallbackPath,
		"replay_schedule", cfg.ReplaySchedule,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("Shutting down cron scheduler...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	logger.Info("Cron scheduler stopped successfully")
}
