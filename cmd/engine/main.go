package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"disputeflow/applog"
	"disputeflow/clock"
	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("DDRE_CONFIG"))
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	logger := applog.New(&applog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	pool, err := db.NewPool(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	eng := engine.New(pool, cfg, clock.System(), logger)
	sweeper := engine.NewSweeper(eng, cfg.Sweep.Interval, logger)

	logger.Info("dispute engine ready", "sweep_interval", cfg.Sweep.Interval.String())

	if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("sweeper stopped: %v", err)
	}
}
