package repository

import (
	"context"
	"time"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
)

// Mutation edits a campaign copy inside Update. Returning an error aborts the
// write. ID, CustomerID, Version and CreatedAt are owned by the store.
type Mutation func(c *model.Campaign) error

type CampaignRepositoryInterface interface {
	// CreateIfAbsent inserts a pending campaign unless the customer already
	// has an active one, in which case that one is returned with created=false.
	CreateIfAbsent(ctx context.Context, customerID string, channel model.Channel, msg model.Message) (*model.Campaign, bool, error)
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	// ListDueForDispatch returns pending and failed_retryable campaigns with
	// NextEligibleAt <= now, earliest first.
	ListDueForDispatch(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
	// ListStaleSending returns campaigns stuck in sending since before cutoff.
	ListStaleSending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Campaign, error)
	// Update applies mutate when the stored version equals expectedVersion and
	// fails with appErrors.ErrConflict otherwise.
	Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*model.Campaign, error)
	ListForCustomer(ctx context.Context, customerID string) ([]*model.Campaign, error)
	ListCampaigns(ctx context.Context, filter model.CampaignFilter) ([]*model.Campaign, int, error)
	GetCampaignStats(ctx context.Context) (map[model.Status]int, error)
	Ping(ctx context.Context) error
}

type CustomerRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Customer, error)
	// ListBatch pages customers by ascending ID, starting after afterID.
	ListBatch(ctx context.Context, afterID string, limit int) ([]*model.Customer, error)
	Upsert(ctx context.Context, c *model.Customer) error
	RecordRiskScore(ctx context.Context, id string, score float64, at time.Time) error
}

// applyMutation runs mutate on a copy of current and pins the store-owned fields.
func applyMutation(current *model.Campaign, mutate Mutation, now time.Time) (*model.Campaign, error) {
	if current.Status.Terminal() {
		return nil, appErrors.ErrTerminal
	}
	next := *current
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CustomerID = current.CustomerID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return &next, nil
}

func activeStatusStrings() []string {
	out := make([]string, len(model.ActiveStatuses))
	for i, s := range model.ActiveStatuses {
		out[i] = string(s)
	}
	return out
}
