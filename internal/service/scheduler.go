package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/retention-engine/internal/metrics"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/repository"
	"github.com/unclebandit/retention-engine/internal/scoring"
)

// Scheduler runs the scoring and dispatch phases on a fixed interval. All
// progress lives in the store, so a cycle can be interrupted at any point.
type Scheduler struct {
	CustomerRepo repository.CustomerRepositoryInterface
	CampaignRepo repository.CampaignRepositoryInterface
	Scorer       scoring.Scorer
	Generator    *Generator
	Dispatcher   *Dispatcher

	RiskThreshold     float64
	Interval          time.Duration
	CycleTimeout      time.Duration
	StaleSendingAfter time.Duration
	ScoringWorkers    int
	ScoringBatchSize  int
	DispatchWorkers   int
	DispatchBatchSize int

	Logger *zap.Logger
	Now    func() time.Time
}

// Run executes a cycle immediately and then on every tick until ctx ends.
// Cycles run one after another and never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Logger.Info("scheduler started", zap.Duration("interval", s.Interval))

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	start := time.Now()
	if err := s.RunCycle(ctx); err != nil {
		s.Logger.Error("scheduler cycle aborted", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	s.Logger.Info("scheduler cycle finished", zap.Duration("elapsed", time.Since(start)))
}

// RunCycle runs both phases concurrently under the cycle deadline. A store
// failure in either phase aborts the cycle; per-item errors are logged only.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if s.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.CycleTimeout)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.timed("scoring", func() error { return s.ScoringPhase(ctx) }) })
	g.Go(func() error { return s.timed("dispatch", func() error { return s.DispatchPhase(ctx) }) })
	return g.Wait()
}

func (s *Scheduler) timed(phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ObservePhase(phase, time.Since(start))
	if err != nil {
		metrics.RecordPhaseFailure(phase)
		return fmt.Errorf("%s phase: %w", phase, err)
	}
	return nil
}

// ScoringPhase pages through every customer, records a fresh score and hands
// customers above the threshold to the generator.
func (s *Scheduler) ScoringPhase(ctx context.Context) error {
	after := ""
	for {
		batch, err := s.CustomerRepo.ListBatch(ctx, after, s.ScoringBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		g := new(errgroup.Group)
		g.SetLimit(workers(s.ScoringWorkers))
		for _, customer := range batch {
			g.Go(func() error {
				s.scoreCustomer(ctx, customer)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		after = batch[len(batch)-1].ID
		if len(batch) < s.ScoringBatchSize {
			return nil
		}
	}
}

func (s *Scheduler) scoreCustomer(ctx context.Context, customer *model.Customer) {
	log := s.Logger.With(zap.String("customer_id", customer.ID))

	score, err := s.Scorer.Score(ctx, customer.ID)
	if err != nil {
		log.Warn("scoring failed, skipping customer", zap.Error(err))
		return
	}
	if err := s.CustomerRepo.RecordRiskScore(ctx, customer.ID, score, s.now()); err != nil {
		log.Warn("could not record risk score", zap.Error(err))
	}
	if score <= s.RiskThreshold {
		return
	}

	result, _, err := s.Generator.Generate(ctx, customer)
	if err != nil {
		log.Error("campaign generation failed", zap.Error(err))
		return
	}
	log.Debug("customer at risk", zap.Float64("score", score), zap.String("result", string(result)))
}

// DispatchPhase recovers interrupted sends and then dispatches every due
// campaign in the batch.
func (s *Scheduler) DispatchPhase(ctx context.Context) error {
	if s.StaleSendingAfter > 0 {
		stale, err := s.CampaignRepo.ListStaleSending(ctx, s.now().Add(-s.StaleSendingAfter), s.DispatchBatchSize)
		if err != nil {
			return err
		}
		for _, c := range stale {
			if _, err := s.Dispatcher.RecoverStale(ctx, c); err != nil {
				s.Logger.Error("stale send recovery failed", zap.String("campaign_id", c.ID), zap.Error(err))
			}
		}
	}

	due, err := s.CampaignRepo.ListDueForDispatch(ctx, s.now(), s.DispatchBatchSize)
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(workers(s.DispatchWorkers))
	for _, c := range due {
		g.Go(func() error {
			if _, err := s.Dispatcher.Dispatch(ctx, c.ID); err != nil && !errors.Is(err, context.Canceled) {
				s.Logger.Error("dispatch failed", zap.String("campaign_id", c.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func workers(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
