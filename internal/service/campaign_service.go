// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/repository"
)

// cancelRetries bounds re-reads when a cancellation races another update.
const cancelRetries = 5

// CampaignService serves the read-only status projection and cancellation.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Logger       *zap.Logger
}

// CancelResult reports what a cancellation did.
type CancelResult struct {
	Campaign  *model.Campaign `json:"campaign,omitempty"`
	Cancelled bool            `json:"cancelled"`
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

func (s *CampaignService) ListCampaignsForCustomer(ctx context.Context, customerID string) ([]*model.Campaign, error) {
	return s.CampaignRepo.ListForCustomer(ctx, customerID)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel model.Channel, status model.Status) ([]*model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	campaigns, total, err := s.CampaignRepo.ListCampaigns(ctx, model.CampaignFilter{
		Channel: channel,
		Status:  status,
		Offset:  offset,
		Limit:   pageSize,
	})
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// Stats counts campaigns per status, plus a "total" entry.
func (s *CampaignService) Stats(ctx context.Context) (map[string]int, error) {
	byStatus, err := s.CampaignRepo.GetCampaignStats(ctx)
	if err != nil {
		return nil, err
	}
	stats := map[string]int{"total": 0}
	for status, n := range byStatus {
		stats[string(status)] = n
		stats["total"] += n
	}
	return stats, nil
}

// CancelCampaign moves a pending, sending or retryable campaign to cancelled.
// Campaigns in any other status are returned unchanged with Cancelled=false.
func (s *CampaignService) CancelCampaign(ctx context.Context, id string) (*CancelResult, error) {
	for range cancelRetries {
		c, err := s.CampaignRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, ok := c.Status.Next(model.TriggerCancel); !ok {
			return &CancelResult{Campaign: c}, nil
		}

		updated, err := s.CampaignRepo.Update(ctx, c.ID, c.Version, transition(model.TriggerCancel, nil))
		switch {
		case err == nil:
			s.Logger.Info("campaign cancelled", zap.String("campaign_id", id), zap.String("from_status", string(c.Status)))
			return &CancelResult{Campaign: updated, Cancelled: true}, nil
		case errors.Is(err, appErrors.ErrConflict), errors.Is(err, appErrors.ErrTerminal):
			continue
		default:
			return nil, err
		}
	}
	return nil, appErrors.ErrConflict
}

// CancelForCustomer cancels the customer's active campaign, if any. This is
// the hook for signals such as a reactivated subscription.
func (s *CampaignService) CancelForCustomer(ctx context.Context, customerID string) (*CancelResult, error) {
	campaigns, err := s.CampaignRepo.ListForCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, c := range campaigns {
		if c.Status.Active() {
			return s.CancelCampaign(ctx, c.ID)
		}
	}
	return &CancelResult{}, nil
}
