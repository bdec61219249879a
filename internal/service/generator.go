package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/metrics"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/repository"
)

type GenerateResult string

const (
	GenerateCreated     GenerateResult = "created"
	GenerateExists      GenerateResult = "exists"
	GenerateCoolingDown GenerateResult = "cooling_down"
	GenerateNoChannel   GenerateResult = "no_channel"
)

// Generator turns an at-risk customer into at most one active campaign.
type Generator struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Templates    Templates
	Priority     []model.Channel

	// RetryCooldownAfterFailed applies when the newest campaign failed.
	RetryCooldownAfterFailed time.Duration
	// ReinterventionCooldown applies after any other finished campaign.
	ReinterventionCooldown time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// Generate creates a pending campaign for customer unless one is already
// active, the customer is cooling down, or no channel can reach them. The
// returned campaign is the created or existing one, nil otherwise.
func (g *Generator) Generate(ctx context.Context, customer *model.Customer) (GenerateResult, *model.Campaign, error) {
	ch, ok := g.pickChannel(customer)
	if !ok {
		g.Logger.Debug("customer has no reachable channel", zap.String("customer_id", customer.ID))
		return GenerateNoChannel, nil, nil
	}

	history, err := g.CampaignRepo.ListForCustomer(ctx, customer.ID)
	if err != nil {
		return "", nil, err
	}
	if len(history) > 0 {
		latest := history[0]
		if latest.Status.Active() {
			return GenerateExists, latest, nil
		}
		if g.coolingDown(latest) {
			return GenerateCoolingDown, nil, nil
		}
	}

	msg := g.Templates.Compose(ch, customer)
	c, created, err := g.CampaignRepo.CreateIfAbsent(ctx, customer.ID, ch, msg)
	if err != nil {
		return "", nil, err
	}
	if !created {
		return GenerateExists, c, nil
	}

	metrics.RecordCampaignCreated(string(ch))
	g.Logger.Info("campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("customer_id", customer.ID),
		zap.String("channel", string(ch)),
	)
	return GenerateCreated, c, nil
}

func (g *Generator) pickChannel(customer *model.Customer) (model.Channel, bool) {
	for _, ch := range g.Priority {
		if customer.Address(ch) != "" {
			return ch, true
		}
	}
	return "", false
}

func (g *Generator) coolingDown(latest *model.Campaign) bool {
	since := g.now().Sub(latest.UpdatedAt)
	if latest.Status == model.StatusFailed {
		return since < g.RetryCooldownAfterFailed
	}
	return since < g.ReinterventionCooldown
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
