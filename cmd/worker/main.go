package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/app"
	"github.com/unclebandit/retention-engine/internal/config"
	"github.com/unclebandit/retention-engine/internal/logger"
	"github.com/unclebandit/retention-engine/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreDriver == "memory" {
		log.Fatal("the worker needs a shared store; run cmd/server for STORE_DRIVER=memory")
	}

	zl, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		zl.Fatal("failed to open store", zap.Error(err))
	}
	defer stores.Close()

	q, closeQueue, err := app.OpenQueue(cfg, zl)
	if err != nil {
		zl.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer closeQueue()

	// Provider callbacks also arrive on the queue; manual ack, requeue on store errors.
	tracker := app.NewTracker(cfg, stores, zl)
	if err := q.Subscribe(ctx, queue.TopicDeliveryEvents, tracker.HandleQueuedEvent); err != nil {
		zl.Fatal("failed to register consumer", zap.Error(err))
	}

	scheduler, err := app.NewScheduler(cfg, stores, q, zl)
	if err != nil {
		zl.Fatal("failed to build scheduler", zap.Error(err))
	}

	zl.Info("worker running, waiting for cycles and events...")
	if err := scheduler.Run(ctx); err != nil {
		zl.Error("scheduler stopped", zap.Error(err))
	}
}
