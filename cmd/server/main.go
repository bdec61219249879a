// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/app"
	"github.com/unclebandit/retention-engine/internal/config"
	"github.com/unclebandit/retention-engine/internal/controller"
	"github.com/unclebandit/retention-engine/internal/handler"
	"github.com/unclebandit/retention-engine/internal/logger"
	"github.com/unclebandit/retention-engine/internal/queue"
	"github.com/unclebandit/retention-engine/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
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

	if cfg.StoreDriver == "memory" && cfg.SeedFile != "" {
		n, err := app.LoadCustomers(ctx, cfg.SeedFile, stores.Customers)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			zl.Warn("seed file not found, memory store starts empty", zap.String("file", cfg.SeedFile))
		case err != nil:
			zl.Fatal("failed to seed memory store", zap.Error(err))
		default:
			zl.Info("memory store seeded", zap.Int("customers", n), zap.String("file", cfg.SeedFile))
		}
	}

	tracker := app.NewTracker(cfg, stores, zl)

	schedulerDone := make(chan struct{})

	// The memory store lives in this process, so the scheduler must too.
	if cfg.RunScheduler || cfg.StoreDriver == "memory" {
		q, closeQueue, err := app.OpenQueue(cfg, zl)
		if err != nil {
			zl.Fatal("failed to open queue", zap.Error(err))
		}
		defer closeQueue()
		if err := q.Subscribe(ctx, queue.TopicInAppMessages, logInApp(zl)); err != nil {
			zl.Fatal("failed to subscribe", zap.Error(err))
		}

		scheduler, err := app.NewScheduler(cfg, stores, q, zl)
		if err != nil {
			zl.Fatal("failed to build scheduler", zap.Error(err))
		}
		go func() {
			defer close(schedulerDone)
			_ = scheduler.Run(ctx)
		}()
	} else {
		close(schedulerDone)
	}

	campaignController := &controller.CampaignController{
		CampaignService: &service.CampaignService{CampaignRepo: stores.Campaigns, Logger: zl.Named("campaigns")},
		Logger:          zl.Named("http"),
	}

	router := handler.NewRouter(handler.RouterConfig{
		Campaigns:   campaignController,
		Webhook:     &handler.WebhookHandler{Tracker: tracker, Secret: cfg.WebhookSecret, Logger: zl.Named("webhook")},
		Health:      handler.NewHealthHandler(stores.Campaigns),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      zl.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zl.Info("server running", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Fatal("server failed", zap.Error(err))
	}
	// Let in-flight sends record their outcome before the store closes.
	<-schedulerDone
	zl.Info("server stopped")
}

// logInApp stands in for the app backend when no broker is configured.
func logInApp(zl *zap.Logger) queue.Handler {
	return func(ctx context.Context, body []byte) error {
		zl.Info("in-app message published", zap.ByteString("payload", body))
		return nil
	}
}
