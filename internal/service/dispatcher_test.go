package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/channel"
	"github.com/unclebandit/retention-engine/internal/db"
	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/repository"
	"github.com/unclebandit/retention-engine/internal/service"
)

func generate(t *testing.T, f *fixture, cust *model.Customer) *model.Campaign {
	t.Helper()
	result, c, err := f.generator.Generate(context.Background(), cust)
	require.NoError(t, err)
	require.Equal(t, service.GenerateCreated, result)
	return c
}

func get(t *testing.T, f *fixture, id string) *model.Campaign {
	t.Helper()
	c, err := f.campaigns.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestDispatchHappyPathThroughClick(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	ctx := context.Background()

	var gotAddress string
	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		gotAddress = address
		return nil
	}

	c := generate(t, f, cust)
	outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSent, outcome)
	assert.Equal(t, "c1@example.com", gotAddress)

	sent := get(t, f, c.ID)
	assert.Equal(t, model.StatusSent, sent.Status)
	assert.Equal(t, 1, sent.Attempts)

	result, err := f.tracker.ApplyEvent(ctx, event(c.ID, "e1", model.EventOpened))
	require.NoError(t, err)
	assert.Equal(t, service.EventApplied, result)
	result, err = f.tracker.ApplyEvent(ctx, event(c.ID, "e2", model.EventClicked))
	require.NoError(t, err)
	assert.Equal(t, service.EventApplied, result)

	final := get(t, f, c.ID)
	assert.Equal(t, model.StatusClicked, final.Status)
	assert.Equal(t, int32(1), f.sender.calls.Load())
}

func TestDispatchTimeoutsExhaustAttempts(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	f.dispatcher.MaxAttempts = 3
	f.dispatcher.Timeout = 20 * time.Millisecond
	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx := context.Background()
	c := generate(t, f, cust)

	for attempt := 1; attempt <= 2; attempt++ {
		outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, service.DispatchRetryScheduled, outcome)

		current := get(t, f, c.ID)
		assert.Equal(t, model.StatusFailedRetryable, current.Status)
		assert.Equal(t, attempt, current.Attempts)
		assert.True(t, current.NextEligibleAt.After(f.clock.Now()))
		assert.Contains(t, current.LastError, context.DeadlineExceeded.Error())

		// Not due before the backoff elapses.
		outcome, err = f.dispatcher.Dispatch(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, service.DispatchSkipped, outcome)

		f.clock.Advance(7 * time.Hour)
	}

	outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchFailed, outcome)

	final := get(t, f, c.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.True(t, final.NextEligibleAt.IsZero())
	assert.Equal(t, int32(3), f.sender.calls.Load())

	f.clock.Advance(24 * time.Hour)
	outcome, err = f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSkipped, outcome)
	assert.Equal(t, int32(3), f.sender.calls.Load())
}

func TestDispatchAfterCancelSendsNothing(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	ctx := context.Background()
	c := generate(t, f, cust)

	res, err := f.service.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSkipped, outcome)
	assert.Equal(t, int32(0), f.sender.calls.Load())
	assert.Equal(t, model.StatusCancelled, get(t, f, c.ID).Status)
}

func TestConcurrentDispatchSendsOnce(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	ctx := context.Background()
	c := generate(t, f, cust)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[service.DispatchOutcome]int{}
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.sender.calls.Load())
	assert.Equal(t, 1, outcomes[service.DispatchSent])
	assert.Equal(t, 19, outcomes[service.DispatchSkipped])
	assert.Equal(t, 1, get(t, f, c.ID).Attempts)
}

func TestDispatchPermanentFailure(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		return appErrors.Permanent(errors.New("mailbox does not exist"))
	}
	c := generate(t, f, cust)

	outcome, err := f.dispatcher.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchFailed, outcome)

	final := get(t, f, c.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.Contains(t, final.LastError, "mailbox does not exist")
}

func TestDispatchMissingAddressFailsPermanently(t *testing.T) {
	cust := customer("c1", map[model.Channel]string{model.ChannelSMS: "+15550001"})
	f := newFixture(t, cust)
	ctx := context.Background()

	c, _, err := f.campaigns.CreateIfAbsent(ctx, "c1", model.ChannelEmail, model.Message{Body: "hi"})
	require.NoError(t, err)

	outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchFailed, outcome)
	assert.Equal(t, int32(0), f.sender.calls.Load())
	assert.Equal(t, model.StatusFailed, get(t, f, c.ID).Status)
}

func TestDispatchUnknownCustomerFailsPermanently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := f.campaigns.CreateIfAbsent(ctx, "ghost", model.ChannelEmail, model.Message{Body: "hi"})
	require.NoError(t, err)

	outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchFailed, outcome)
	assert.Equal(t, int32(0), f.sender.calls.Load())
}

func TestDispatchUnknownCampaign(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Dispatch(context.Background(), "missing")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestCancelDuringSendWins(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	c := generate(t, f, cust)

	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		res, err := f.service.CancelCampaign(ctx, c.ID)
		if assert.NoError(t, err) {
			assert.True(t, res.Cancelled)
		}
		return nil
	}

	outcome, err := f.dispatcher.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSkipped, outcome)
	assert.Equal(t, model.StatusCancelled, get(t, f, c.ID).Status)
}

func TestDeliveredEventDuringSend(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	c := generate(t, f, cust)

	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		result, err := f.tracker.ApplyEvent(ctx, event(c.ID, "d1", model.EventDelivered))
		assert.NoError(t, err)
		assert.Equal(t, service.EventApplied, result)
		return nil
	}

	outcome, err := f.dispatcher.Dispatch(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSkipped, outcome)

	final := get(t, f, c.ID)
	assert.Equal(t, model.StatusSent, final.Status)
	assert.Equal(t, "d1", final.LastEventID)
}

func TestRetriesMoveEligibilityForward(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		return appErrors.Transient(errors.New("provider unavailable"))
	}
	ctx := context.Background()
	c := generate(t, f, cust)

	previous := get(t, f, c.ID).NextEligibleAt
	for attempt := 1; attempt < 5; attempt++ {
		outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, service.DispatchRetryScheduled, outcome)

		current := get(t, f, c.ID)
		assert.True(t, current.NextEligibleAt.After(previous), "attempt %d", attempt)
		assert.True(t, current.NextEligibleAt.After(f.clock.Now()), "attempt %d", attempt)
		previous = current.NextEligibleAt

		f.clock.Advance(current.NextEligibleAt.Sub(f.clock.Now()))
	}

	outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchFailed, outcome)
	assert.Equal(t, 5, get(t, f, c.ID).Attempts)
	assert.Equal(t, int32(5), f.sender.calls.Load())
}

func TestDispatchThrottledDoesNotConsumeAttempt(t *testing.T) {
	first, second := emailCustomer("c1"), emailCustomer("c2")
	f := newFixture(t, first, second)
	f.dispatcher.Limiters = channel.NewLimiters(map[model.Channel]channel.Limit{
		model.ChannelEmail: {Requests: 1, Interval: time.Hour},
	})

	a := generate(t, f, first)
	b := generate(t, f, second)

	outcome, err := f.dispatcher.Dispatch(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSent, outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	outcome, err = f.dispatcher.Dispatch(ctx, b.ID)
	assert.Error(t, err)
	assert.Equal(t, service.DispatchSkipped, outcome)

	throttled := get(t, f, b.ID)
	assert.Equal(t, model.StatusPending, throttled.Status)
	assert.Equal(t, 0, throttled.Attempts)
	assert.Equal(t, int32(1), f.sender.calls.Load())
}

func TestRecoverStale(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	ctx := context.Background()
	c := generate(t, f, cust)

	stuck := f.setStatus(t, c.ID, model.StatusSending)
	outcome, err := f.dispatcher.RecoverStale(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchRetryScheduled, outcome)

	recovered := get(t, f, c.ID)
	assert.Equal(t, model.StatusFailedRetryable, recovered.Status)
	assert.Contains(t, recovered.LastError, "dispatch interrupted")

	// A stale snapshot loses against the newer version.
	outcome, err = f.dispatcher.RecoverStale(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSkipped, outcome)
}

func TestRecoverStaleAfterLastAttempt(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	ctx := context.Background()
	c := generate(t, f, cust)

	stuck, err := f.campaigns.Update(ctx, c.ID, c.Version, func(next *model.Campaign) error {
		next.Status = model.StatusSending
		next.Attempts = 5
		return nil
	})
	require.NoError(t, err)

	outcome, err := f.dispatcher.RecoverStale(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchFailed, outcome)
	assert.Equal(t, model.StatusFailed, get(t, f, c.ID).Status)
}

func TestClaimLosersDoNotTakeTokens(t *testing.T) {
	first, second := emailCustomer("c1"), emailCustomer("c2")
	f := newFixture(t, first, second)
	f.dispatcher.Limiters = channel.NewLimiters(map[model.Channel]channel.Limit{
		model.ChannelEmail: {Requests: 2, Interval: time.Hour},
	})
	a := generate(t, f, first)
	b := generate(t, f, second)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.dispatcher.Dispatch(context.Background(), a.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), f.sender.calls.Load())

	// The second token is still in the bucket.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	outcome, err := f.dispatcher.Dispatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchSent, outcome)
}

func TestLoweredMaxAttemptsFailsInsteadOfClaiming(t *testing.T) {
	cust := emailCustomer("c1")
	f := newFixture(t, cust)
	f.sender.fn = func(ctx context.Context, address string, msg model.Message) error {
		return appErrors.Transient(errors.New("provider unavailable"))
	}
	ctx := context.Background()
	c := generate(t, f, cust)

	for range 2 {
		outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, service.DispatchRetryScheduled, outcome)
		f.clock.Advance(7 * time.Hour)
	}

	f.dispatcher.MaxAttempts = 2
	outcome, err := f.dispatcher.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchFailed, outcome)

	final := get(t, f, c.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.True(t, final.NextEligibleAt.IsZero())
	assert.Equal(t, int32(2), f.sender.calls.Load())
}

func TestOutcomeRecordedAfterShutdownStarts(t *testing.T) {
	conn, err := db.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "retention.db"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	campaigns := repository.NewCampaignRepository(conn)
	customers := repository.NewCustomerRepository(conn)
	require.NoError(t, customers.Upsert(context.Background(), emailCustomer("c1")))
	c, _, err := campaigns.CreateIfAbsent(context.Background(), "c1", model.ChannelEmail, model.Message{Body: "hi"})
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	d := &service.Dispatcher{
		CampaignRepo: campaigns,
		CustomerRepo: customers,
		Senders: channel.Registry{
			model.ChannelEmail: channel.SenderFunc(func(context.Context, string, model.Message) error {
				stop()
				return nil
			}),
		},
		Backoff:     service.Backoff{Base: time.Minute, Cap: time.Hour},
		MaxAttempts: 5,
		Timeout:     time.Second,
		Logger:      zap.NewNop(),
	}

	outcome, err := d.Dispatch(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, service.DispatchRetryScheduled, outcome)

	stored, err := campaigns.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailedRetryable, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}
