package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
)

// MemoryCampaignRepository keeps campaigns in process memory. A single mutex
// makes CreateIfAbsent and Update atomic; active indexes customer -> campaign.
type MemoryCampaignRepository struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	active    map[string]string
	Now       func() time.Time
	// PingErr, when set, is returned by every call. Used to simulate an
	// unreachable store.
	PingErr error
}

func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{
		campaigns: make(map[string]*model.Campaign),
		active:    make(map[string]string),
		Now:       time.Now,
	}
}

func (r *MemoryCampaignRepository) CreateIfAbsent(ctx context.Context, customerID string, channel model.Channel, msg model.Message) (*model.Campaign, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PingErr != nil {
		return nil, false, r.PingErr
	}

	if id, ok := r.active[customerID]; ok {
		c := *r.campaigns[id]
		return &c, false, nil
	}

	now := r.Now()
	c := &model.Campaign{
		ID:             uuid.New().String(),
		CustomerID:     customerID,
		Channel:        channel,
		Message:        msg,
		Status:         model.StatusPending,
		NextEligibleAt: now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.campaigns[c.ID] = c
	r.active[customerID] = c.ID

	out := *c
	return &out, true, nil
}

func (r *MemoryCampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PingErr != nil {
		return nil, r.PingErr
	}

	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	out := *c
	return &out, nil
}

func (r *MemoryCampaignRepository) ListDueForDispatch(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	return r.filterSorted(func(c *model.Campaign) bool { return c.Due(now) }, func(a, b *model.Campaign) bool {
		return a.NextEligibleAt.Before(b.NextEligibleAt)
	}, limit)
}

func (r *MemoryCampaignRepository) ListStaleSending(ctx context.Context, cutoff time.Time, limit int) ([]*model.Campaign, error) {
	return r.filterSorted(func(c *model.Campaign) bool {
		return c.Status == model.StatusSending && c.UpdatedAt.Before(cutoff)
	}, func(a, b *model.Campaign) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}, limit)
}

func (r *MemoryCampaignRepository) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PingErr != nil {
		return nil, r.PingErr
	}

	current, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if current.Version != expectedVersion {
		return nil, appErrors.ErrConflict
	}

	next, err := applyMutation(current, mutate, r.Now())
	if err != nil {
		return nil, err
	}
	r.campaigns[id] = next
	if next.Status.Active() {
		r.active[next.CustomerID] = next.ID
	} else if r.active[next.CustomerID] == next.ID {
		delete(r.active, next.CustomerID)
	}

	out := *next
	return &out, nil
}

func (r *MemoryCampaignRepository) ListForCustomer(ctx context.Context, customerID string) ([]*model.Campaign, error) {
	return r.filterSorted(func(c *model.Campaign) bool { return c.CustomerID == customerID }, newestFirst, 0)
}

func (r *MemoryCampaignRepository) ListCampaigns(ctx context.Context, filter model.CampaignFilter) ([]*model.Campaign, int, error) {
	all, err := r.filterSorted(func(c *model.Campaign) bool {
		if filter.Channel != "" && c.Channel != filter.Channel {
			return false
		}
		if filter.Status != "" && c.Status != filter.Status {
			return false
		}
		return true
	}, newestFirst, 0)
	if err != nil {
		return nil, 0, err
	}

	total := len(all)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}
	return all[start:end], total, nil
}

func (r *MemoryCampaignRepository) GetCampaignStats(ctx context.Context) (map[model.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PingErr != nil {
		return nil, r.PingErr
	}

	stats := make(map[model.Status]int, len(model.Statuses))
	for _, s := range model.Statuses {
		stats[s] = 0
	}
	for _, c := range r.campaigns {
		stats[c.Status]++
	}
	return stats, nil
}

func (r *MemoryCampaignRepository) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PingErr
}

func (r *MemoryCampaignRepository) filterSorted(keep func(*model.Campaign) bool, less func(a, b *model.Campaign) bool, limit int) ([]*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PingErr != nil {
		return nil, r.PingErr
	}

	out := []*model.Campaign{}
	for _, c := range r.campaigns {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newestFirst(a, b *model.Campaign) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

var _ CampaignRepositoryInterface = (*MemoryCampaignRepository)(nil)

// MemoryCustomerRepository keeps customers in process memory.
type MemoryCustomerRepository struct {
	mu        sync.Mutex
	customers map[string]*model.Customer
}

func NewMemoryCustomerRepository(customers ...*model.Customer) *MemoryCustomerRepository {
	r := &MemoryCustomerRepository{customers: make(map[string]*model.Customer)}
	for _, c := range customers {
		r.customers[c.ID] = cloneCustomer(c)
	}
	return r
}

func (r *MemoryCustomerRepository) GetByID(ctx context.Context, id string) (*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.customers[id]
	if !ok {
		return nil, appErrors.NewCustomerNotFound(id)
	}
	return cloneCustomer(c), nil
}

func (r *MemoryCustomerRepository) ListBatch(ctx context.Context, afterID string, limit int) ([]*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.customers))
	for id := range r.customers {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*model.Customer, len(ids))
	for i, id := range ids {
		out[i] = cloneCustomer(r.customers[id])
	}
	return out, nil
}

func (r *MemoryCustomerRepository) Upsert(ctx context.Context, c *model.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := cloneCustomer(c)
	if existing, ok := r.customers[c.ID]; ok && next.ChurnRiskScore == nil {
		next.ChurnRiskScore = existing.ChurnRiskScore
		next.ScoredAt = existing.ScoredAt
	}
	r.customers[c.ID] = next
	return nil
}

func (r *MemoryCustomerRepository) RecordRiskScore(ctx context.Context, id string, score float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.customers[id]
	if !ok {
		return appErrors.NewCustomerNotFound(id)
	}
	c.ChurnRiskScore = &score
	c.ScoredAt = at
	return nil
}

func cloneCustomer(c *model.Customer) *model.Customer {
	out := *c
	if c.ChurnRiskScore != nil {
		s := *c.ChurnRiskScore
		out.ChurnRiskScore = &s
	}
	out.ChannelAddresses = make(map[model.Channel]string, len(c.ChannelAddresses))
	for k, v := range c.ChannelAddresses {
		out.ChannelAddresses[k] = v
	}
	return &out
}

var _ CustomerRepositoryInterface = (*MemoryCustomerRepository)(nil)
