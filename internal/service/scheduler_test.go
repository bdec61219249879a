package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/scoring"
	"github.com/unclebandit/retention-engine/internal/service"
)

func newScheduler(f *fixture, scores map[string]float64) *service.Scheduler {
	return &service.Scheduler{
		CustomerRepo: f.customers,
		CampaignRepo: f.campaigns,
		Scorer: scoring.Func(func(ctx context.Context, customerID string) (float64, error) {
			s, ok := scores[customerID]
			if !ok {
				return 0, errors.New("no score")
			}
			return s, nil
		}),
		Generator:         f.generator,
		Dispatcher:        f.dispatcher,
		RiskThreshold:     0.7,
		Interval:          time.Hour,
		CycleTimeout:      5 * time.Second,
		StaleSendingAfter: 10 * time.Minute,
		ScoringWorkers:    4,
		ScoringBatchSize:  2,
		DispatchWorkers:   4,
		DispatchBatchSize: 10,
		Logger:            zap.NewNop(),
		Now:               f.clock.Now,
	}
}

func TestRunCycleScoresAndDispatches(t *testing.T) {
	f := newFixture(t,
		emailCustomer("c1"),
		emailCustomer("c2"),
		customer("c3", nil),
		emailCustomer("c4"),
		emailCustomer("c5"),
	)
	s := newScheduler(f, map[string]float64{"c1": 0.9, "c2": 0.2, "c3": 0.95, "c4": 0.7, "c5": 0.71})
	ctx := context.Background()

	require.NoError(t, s.RunCycle(ctx))

	// Both phases run concurrently, so campaigns created this cycle may or
	// may not be dispatched yet. A second cycle sends whatever is left.
	require.NoError(t, s.RunCycle(ctx))

	for id, want := range map[string]int{"c1": 1, "c2": 0, "c3": 0, "c4": 0, "c5": 1} {
		campaigns, err := f.campaigns.ListForCustomer(ctx, id)
		require.NoError(t, err)
		require.Len(t, campaigns, want, id)
		if want == 1 {
			assert.Equal(t, model.StatusSent, campaigns[0].Status, id)
		}
	}
	assert.Equal(t, int32(2), f.sender.calls.Load())

	cust, err := f.customers.GetByID(ctx, "c2")
	require.NoError(t, err)
	require.NotNil(t, cust.ChurnRiskScore)
	assert.InDelta(t, 0.2, *cust.ChurnRiskScore, 1e-9)
	assert.Equal(t, f.clock.Now(), cust.ScoredAt)
}

func TestRunCycleSkipsUnscoredCustomers(t *testing.T) {
	f := newFixture(t, emailCustomer("c1"), emailCustomer("c2"))
	s := newScheduler(f, map[string]float64{"c2": 0.99})

	require.NoError(t, s.RunCycle(context.Background()))

	none, err := f.campaigns.ListForCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, none)
	one, err := f.campaigns.ListForCustomer(context.Background(), "c2")
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestRunCycleAbortsOnStoreFailure(t *testing.T) {
	f := newFixture(t, emailCustomer("c1"))
	storeDown := errors.New("store unreachable")
	f.campaigns.PingErr = storeDown
	s := newScheduler(f, map[string]float64{"c1": 0.9})

	err := s.RunCycle(context.Background())
	assert.ErrorIs(t, err, storeDown)
	assert.Contains(t, err.Error(), "dispatch phase")
}

func TestDispatchPhaseRecoversStaleSends(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	c := generate(t, f, cust)
	f.setStatus(t, c.ID, model.StatusSending)
	f.clock.Advance(time.Hour)

	s := newScheduler(f, nil)
	require.NoError(t, s.DispatchPhase(context.Background()))

	current := get(t, f, c.ID)
	assert.Equal(t, model.StatusFailedRetryable, current.Status)
	assert.Equal(t, int32(0), f.sender.calls.Load())
}

func TestDispatchPhaseBoundedParallelism(t *testing.T) {
	var customers []*model.Customer
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		customers = append(customers, emailCustomer(id))
	}
	f := newFixture(t, customers...)
	for _, cust := range customers {
		generate(t, f, cust)
	}

	var inFlight, peak atomic.Int32
	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	s := newScheduler(f, nil)
	s.DispatchWorkers = 3
	require.NoError(t, s.DispatchPhase(context.Background()))

	assert.Equal(t, int32(8), f.sender.calls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, emailCustomer("c1"))
	s := newScheduler(f, map[string]float64{"c1": 0.9})
	s.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.sender.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
