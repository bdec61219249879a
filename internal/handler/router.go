package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/controller"
	"github.com/unclebandit/retention-engine/internal/metrics"
)

type RouterConfig struct {
	Campaigns   *controller.CampaignController
	Webhook     *WebhookHandler
	Health      *HealthHandler
	CORSOrigins []string
	Logger      *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", SignatureHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", cfg.Health.Handle)
	r.Handle("/metrics", promhttp.Handler())

	// Campaign routes
	r.Get("/campaigns", cfg.Campaigns.ListCampaigns)
	r.Get("/campaigns/stats", cfg.Campaigns.Stats)
	r.Get("/campaigns/{id}", cfg.Campaigns.GetCampaign)
	r.Post("/campaigns/{id}/cancel", cfg.Campaigns.CancelCampaign)
	r.Get("/customers/{id}/campaigns", cfg.Campaigns.ListCustomerCampaigns)
	r.Post("/customers/{id}/cancel", cfg.Campaigns.CancelForCustomer)

	r.Post("/webhooks/events", cfg.Webhook.Handle)

	return r
}
