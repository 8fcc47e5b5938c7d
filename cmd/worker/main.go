package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"mealreg/internal/app"
	"mealreg/internal/config"
	"mealreg/internal/logger"
	"mealreg/internal/worker"
)

// Worker consumes archive jobs queued by the API.
func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.Production()).With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != "redis" {
		log.Warn("QUEUE_BACKEND is not redis; this process will only see jobs it enqueues itself")
	}

	a, err := app.New(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := worker.New(a.Jobs, a.Registrations, log).Run(ctx); err != nil {
		log.Error("worker failed", "error", err)
		a.Close()
		os.Exit(1)
	}
}
