// Package app wires configuration into stores, queues, senders and services.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/channel"
	"github.com/unclebandit/retention-engine/internal/config"
	"github.com/unclebandit/retention-engine/internal/db"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/queue"
	"github.com/unclebandit/retention-engine/internal/repository"
	"github.com/unclebandit/retention-engine/internal/scoring"
	"github.com/unclebandit/retention-engine/internal/service"
)

type Stores struct {
	Campaigns repository.CampaignRepositoryInterface
	Customers repository.CustomerRepositoryInterface
	Close     func() error
}

func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	if cfg.StoreDriver == "memory" {
		return &Stores{
			Campaigns: repository.NewMemoryCampaignRepository(),
			Customers: repository.NewMemoryCustomerRepository(),
			Close:     func() error { return nil },
		}, nil
	}

	conn, err := db.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Campaigns: repository.NewCampaignRepository(conn),
		Customers: repository.NewCustomerRepository(conn),
		Close:     conn.Close,
	}, nil
}

// LoadCustomers upserts every customer in the JSON fixture at path.
func LoadCustomers(ctx context.Context, path string, customers repository.CustomerRepositoryInterface) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	var list []*model.Customer
	if err := json.Unmarshal(content, &list); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, c := range list {
		if err := customers.Upsert(ctx, c); err != nil {
			return 0, fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}
	return len(list), nil
}

// OpenQueue returns the in-process queue for the memory store and RabbitMQ
// otherwise.
func OpenQueue(cfg *config.Config, logger *zap.Logger) (queue.Queue, func() error, error) {
	if cfg.StoreDriver == "memory" {
		return queue.NewInMemoryQueue(logger), func() error { return nil }, nil
	}
	q, err := queue.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return q, q.Close, nil
}

// NewSenders builds one sender per channel. Channels without provider
// settings fall back to the log sender.
func NewSenders(cfg *config.Config, publisher queue.Publisher, logger *zap.Logger) channel.Registry {
	senders := channel.Registry{
		model.ChannelEmail: &channel.LogSender{Channel: model.ChannelEmail, Logger: logger},
		model.ChannelSMS:   &channel.LogSender{Channel: model.ChannelSMS, Logger: logger},
		model.ChannelInApp: channel.NewInAppSender(publisher),
	}
	if cfg.SMTPHost != "" {
		senders[model.ChannelEmail] = channel.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom)
	}
	if cfg.SMSProviderURL != "" {
		senders[model.ChannelSMS] = channel.NewSMSSender(cfg.SMSProviderURL, cfg.SMSProviderToken)
	}
	return senders
}

func NewScorer(cfg *config.Config, customers repository.CustomerRepositoryInterface) scoring.Scorer {
	if cfg.ScorerURL != "" {
		return scoring.NewHTTPScorer(cfg.ScorerURL)
	}
	return &scoring.StoredScorer{Customers: customers}
}

func NewBackoff(cfg *config.Config) service.Backoff {
	return service.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Jitter: cfg.BackoffJitter}
}

func NewTracker(cfg *config.Config, stores *Stores, logger *zap.Logger) *service.Tracker {
	return &service.Tracker{
		CampaignRepo: stores.Campaigns,
		Backoff:      NewBackoff(cfg),
		MaxAttempts:  cfg.MaxAttempts,
		Logger:       logger.Named("tracker"),
	}
}

// NewScheduler assembles the generator, dispatcher and scheduler.
func NewScheduler(cfg *config.Config, stores *Stores, publisher queue.Publisher, logger *zap.Logger) (*service.Scheduler, error) {
	priority, err := cfg.Channels()
	if err != nil {
		return nil, err
	}

	limits := map[model.Channel]channel.Limit{}
	for ch, l := range cfg.RateLimits() {
		limits[ch] = channel.Limit{Requests: l.Requests, Interval: l.Interval}
	}

	generator := &service.Generator{
		CampaignRepo: stores.Campaigns,
		Templates: service.Templates{
			model.ChannelEmail: {Subject: cfg.EmailSubjectTemplate, Body: cfg.EmailBodyTemplate},
			model.ChannelSMS:   {Body: cfg.SMSTemplate},
			model.ChannelInApp: {Body: cfg.InAppTemplate},
		},
		Priority:                 priority,
		RetryCooldownAfterFailed: cfg.RetryCooldownAfterFailed,
		ReinterventionCooldown:   cfg.ReinterventionCooldown,
		Logger:                   logger.Named("generator"),
	}

	dispatcher := &service.Dispatcher{
		CampaignRepo: stores.Campaigns,
		CustomerRepo: stores.Customers,
		Senders:      NewSenders(cfg, publisher, logger.Named("sender")),
		Limiters:     channel.NewLimiters(limits),
		Backoff:      NewBackoff(cfg),
		MaxAttempts:  cfg.MaxAttempts,
		Timeout:      cfg.DispatchTimeout,
		Logger:       logger.Named("dispatcher"),
	}

	if cfg.ScoringBatchSize < 1 || cfg.DispatchBatchSize < 1 {
		return nil, fmt.Errorf("batch sizes must be positive")
	}

	return &service.Scheduler{
		CustomerRepo:      stores.Customers,
		CampaignRepo:      stores.Campaigns,
		Scorer:            NewScorer(cfg, stores.Customers),
		Generator:         generator,
		Dispatcher:        dispatcher,
		RiskThreshold:     cfg.RiskThreshold,
		Interval:          cfg.SchedulerInterval,
		CycleTimeout:      cfg.CycleTimeout,
		StaleSendingAfter: cfg.StaleSendingAfter,
		ScoringWorkers:    cfg.ScoringWorkers,
		ScoringBatchSize:  cfg.ScoringBatchSize,
		DispatchWorkers:   cfg.DispatchWorkers,
		DispatchBatchSize: cfg.DispatchBatchSize,
		Logger:            logger.Named("scheduler"),
	}, nil
}
