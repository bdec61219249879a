// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/service"
)

// CampaignService is what the controller needs from the service layer.
type CampaignService interface {
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaignsForCustomer(ctx context.Context, customerID string) ([]*model.Campaign, error)
	ListCampaigns(ctx context.Context, page, pageSize int, channel model.Channel, status model.Status) ([]*model.Campaign, map[string]int, error)
	Stats(ctx context.Context) (map[string]int, error)
	CancelCampaign(ctx context.Context, id string) (*service.CancelResult, error)
	CancelForCustomer(ctx context.Context, customerID string) (*service.CancelResult, error)
}

type CampaignController struct {
	CampaignService CampaignService
	Logger          *zap.Logger
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ListCustomerCampaigns(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")
	campaigns, err := c.CampaignService.ListCampaignsForCustomer(r.Context(), customerID)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"customer_id": customerID,
		"data":        campaigns,
	})
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := model.Channel(r.URL.Query().Get("channel"))
	status := model.Status(r.URL.Query().Get("status"))

	if channel != "" && !channel.Valid() {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}
	if status != "" && !validStatus(status) {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.CampaignService.Stats(r.Context())
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.CancelCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) CancelForCustomer(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.CancelForCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	switch {
	case appErrors.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, appErrors.ErrConflict):
		http.Error(w, "campaign is being updated, retry", http.StatusConflict)
	default:
		c.Logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func validStatus(s model.Status) bool {
	for _, known := range model.Statuses {
		if s == known {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

var _ CampaignService = (*service.CampaignService)(nil)
