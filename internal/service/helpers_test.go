package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/channel"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/repository"
	"github.com/unclebandit/retention-engine/internal/service"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedSender counts sends and answers with fn.
type scriptedSender struct {
	calls atomic.Int32
	fn    func(ctx context.Context, address string, msg model.Message) error
}

func (s *scriptedSender) Send(ctx context.Context, address string, msg model.Message) error {
	s.calls.Add(1)
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, address, msg)
}

type fixture struct {
	clock      *clock
	campaigns  *repository.MemoryCampaignRepository
	customers  *repository.MemoryCustomerRepository
	sender     *scriptedSender
	generator  *service.Generator
	dispatcher *service.Dispatcher
	tracker    *service.Tracker
	service    *service.CampaignService
}

func newFixture(t *testing.T, customers ...*model.Customer) *fixture {
	t.Helper()
	clk := newClock()
	campaigns := repository.NewMemoryCampaignRepository()
	campaigns.Now = clk.Now
	custRepo := repository.NewMemoryCustomerRepository(customers...)
	sender := &scriptedSender{}
	backoff := service.Backoff{Base: 5 * time.Minute, Cap: 6 * time.Hour, Jitter: 0.2}
	logger := zap.NewNop()

	return &fixture{
		clock:     clk,
		campaigns: campaigns,
		customers: custRepo,
		sender:    sender,
		generator: &service.Generator{
			CampaignRepo: campaigns,
			Templates: service.Templates{
				model.ChannelEmail: {Subject: "We miss you, {first_name}", Body: "Hi {first_name} {last_name}, come back."},
				model.ChannelSMS:   {Body: "Hi {first_name}!"},
				model.ChannelInApp: {Body: "Welcome back {first_name}"},
			},
			Priority:                 []model.Channel{model.ChannelEmail, model.ChannelSMS, model.ChannelInApp},
			RetryCooldownAfterFailed: 72 * time.Hour,
			ReinterventionCooldown:   168 * time.Hour,
			Logger:                   logger,
			Now:                      clk.Now,
		},
		dispatcher: &service.Dispatcher{
			CampaignRepo: campaigns,
			CustomerRepo: custRepo,
			Senders: channel.Registry{
				model.ChannelEmail: sender,
				model.ChannelSMS:   sender,
				model.ChannelInApp: sender,
			},
			Backoff:     backoff,
			MaxAttempts: 5,
			Timeout:     time.Second,
			Logger:      logger,
			Now:         clk.Now,
		},
		tracker: &service.Tracker{
			CampaignRepo: campaigns,
			Backoff:      backoff,
			MaxAttempts:  5,
			Logger:       logger,
			Now:          clk.Now,
		},
		service: &service.CampaignService{CampaignRepo: campaigns, Logger: logger},
	}
}

func customer(id string, addrs map[model.Channel]string) *model.Customer {
	return &model.Customer{ID: id, FirstName: "Ada", LastName: "Lovelace", ChannelAddresses: addrs}
}

func emailCustomer(id string) *model.Customer {
	return customer(id, map[model.Channel]string{model.ChannelEmail: id + "@example.com"})
}

func event(campaignID, eventID string, typ model.EventType) model.DeliveryEvent {
	return model.DeliveryEvent{CampaignID: campaignID, EventID: eventID, EventType: typ, Timestamp: time.Now()}
}

// setStatus forces a campaign into status, bypassing the state machine.
func (f *fixture) setStatus(t *testing.T, id string, status model.Status) *model.Campaign {
	t.Helper()
	c, err := f.campaigns.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := f.campaigns.Update(context.Background(), id, c.Version, func(c *model.Campaign) error {
		c.Status = status
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return updated
}
