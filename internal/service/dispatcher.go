package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/channel"
	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/metrics"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/repository"
)

type DispatchOutcome string

const (
	DispatchSent           DispatchOutcome = "sent"
	DispatchRetryScheduled DispatchOutcome = "retry_scheduled"
	DispatchFailed         DispatchOutcome = "failed"
	// DispatchSkipped means nothing was sent: the campaign was not due, another
	// worker claimed it, or it changed state under us.
	DispatchSkipped DispatchOutcome = "skipped"
)

// outcomeRetries bounds how often an outcome write is retried after the
// campaign was updated by an event while the send was in flight.
const outcomeRetries = 3

// outcomeWriteTimeout bounds recording an outcome after the caller's context ended.
const outcomeWriteTimeout = 10 * time.Second

var errInvalidTransition = errors.New("invalid status transition")

// Dispatcher claims due campaigns and sends them through their channel.
type Dispatcher struct {
	CampaignRepo repository.CampaignRepositoryInterface
	CustomerRepo repository.CustomerRepositoryInterface
	Senders      channel.Registry
	Limiters     channel.Limiters
	Backoff      Backoff
	MaxAttempts  int
	Timeout      time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Dispatch makes at most one delivery attempt for the campaign.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID string) (DispatchOutcome, error) {
	c, err := d.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if !c.Due(d.now()) {
		return DispatchSkipped, nil
	}

	if d.MaxAttempts > 0 && c.Attempts >= d.MaxAttempts {
		return d.exhaust(ctx, c)
	}

	customer, err := d.CustomerRepo.GetByID(ctx, c.CustomerID)
	if err != nil && !appErrors.IsNotFound(err) {
		return "", err
	}

	claimed, err := d.claim(ctx, c)
	if err != nil {
		if lostRace(err) {
			d.Logger.Debug("campaign claimed elsewhere", zap.String("campaign_id", c.ID))
			return DispatchSkipped, nil
		}
		return "", err
	}

	// Only the claim winner takes a token.
	if err := d.Limiters.Wait(ctx, claimed.Channel); err != nil {
		d.release(ctx, claimed)
		return DispatchSkipped, err
	}

	sendErr := d.send(ctx, claimed, customer)
	var outcome DispatchOutcome
	if outcome, err = d.recordOutcome(ctx, claimed, sendErr); err != nil {
		return "", err
	}

	metrics.RecordDispatch(string(claimed.Channel), string(outcome))
	fields := []zap.Field{
		zap.String("campaign_id", claimed.ID),
		zap.String("channel", string(claimed.Channel)),
		zap.Int("attempt", claimed.Attempts),
		zap.String("outcome", string(outcome)),
	}
	if sendErr != nil {
		d.Logger.Warn("dispatch attempt failed", append(fields, zap.Error(sendErr))...)
	} else {
		d.Logger.Info("dispatch attempt finished", fields...)
	}
	return outcome, nil
}

// claim moves a due campaign to sending and counts the attempt. A retryable
// campaign first re-enters pending.
func (d *Dispatcher) claim(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	if c.Status == model.StatusFailedRetryable {
		promoted, err := d.CampaignRepo.Update(ctx, c.ID, c.Version, transition(model.TriggerRetryDue, nil))
		if err != nil {
			return nil, err
		}
		c = promoted
	}
	return d.CampaignRepo.Update(ctx, c.ID, c.Version, transition(model.TriggerClaim, func(next *model.Campaign) {
		next.Attempts++
	}))
}

// release returns a throttled claim to pending without counting the attempt.
// A failed release leaves the campaign to stale recovery.
func (d *Dispatcher) release(ctx context.Context, claimed *model.Campaign) {
	_, err := d.CampaignRepo.Update(context.WithoutCancel(ctx), claimed.ID, claimed.Version,
		transition(model.TriggerRelease, func(next *model.Campaign) {
			next.Attempts--
		}))
	if err != nil {
		d.Logger.Warn("could not release throttled claim", zap.String("campaign_id", claimed.ID), zap.Error(err))
	}
}

// exhaust fails a campaign that already used every attempt, for example
// after MaxAttempts was lowered.
func (d *Dispatcher) exhaust(ctx context.Context, c *model.Campaign) (DispatchOutcome, error) {
	_, err := d.CampaignRepo.Update(ctx, c.ID, c.Version, transition(model.TriggerExhausted, func(next *model.Campaign) {
		next.LastError = fmt.Sprintf("attempt limit %d reached", d.MaxAttempts)
		next.NextEligibleAt = time.Time{}
	}))
	if err != nil {
		if lostRace(err) {
			return DispatchSkipped, nil
		}
		return "", err
	}
	d.Logger.Warn("campaign over attempt limit, marking failed",
		zap.String("campaign_id", c.ID), zap.Int("attempts", c.Attempts), zap.Int("max_attempts", d.MaxAttempts))
	metrics.RecordDispatch(string(c.Channel), string(DispatchFailed))
	return DispatchFailed, nil
}

func (d *Dispatcher) send(ctx context.Context, c *model.Campaign, customer *model.Customer) error {
	if customer == nil {
		return appErrors.Permanent(appErrors.NewCustomerNotFound(c.CustomerID))
	}
	address := customer.Address(c.Channel)
	if address == "" {
		return appErrors.Permanent(fmt.Errorf("customer %s has no %s address", customer.ID, c.Channel))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	err := d.Senders.Send(sendCtx, c.Channel, address, c.Message)
	if err == nil && sendCtx.Err() != nil {
		// The sender ignored the deadline; its success cannot be trusted.
		err = sendCtx.Err()
	}
	return err
}

// recordOutcome writes the send result against the claimed version. If an
// event or cancellation got there first it re-reads: terminal campaigns keep
// their status, a campaign still in sending gets the outcome on a fresh
// version, anything else already moved past the send and is left alone.
func (d *Dispatcher) recordOutcome(ctx context.Context, claimed *model.Campaign, sendErr error) (DispatchOutcome, error) {
	// The attempt already happened, so its outcome is written even when the
	// cycle is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	current := claimed
	for range outcomeRetries {
		outcome, mutate := d.outcomeMutation(current.Attempts, sendErr)
		_, err := d.CampaignRepo.Update(ctx, current.ID, current.Version, mutate)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, appErrors.ErrConflict) && !errors.Is(err, appErrors.ErrTerminal) {
			return "", fmt.Errorf("record outcome for %s: %w", current.ID, err)
		}

		current, err = d.CampaignRepo.GetByID(ctx, current.ID)
		if err != nil {
			return "", err
		}
		if current.Status != model.StatusSending {
			d.Logger.Info("dropping dispatch result, campaign moved on",
				zap.String("campaign_id", current.ID), zap.String("status", string(current.Status)))
			return DispatchSkipped, nil
		}
	}
	return "", fmt.Errorf("record outcome for %s: %w", claimed.ID, appErrors.ErrConflict)
}

// outcomeMutation maps a send result for a campaign that has used attempts.
func (d *Dispatcher) outcomeMutation(attempts int, sendErr error) (DispatchOutcome, repository.Mutation) {
	switch {
	case sendErr == nil:
		return DispatchSent, transition(model.TriggerSendOK, func(next *model.Campaign) {
			next.LastError = ""
		})
	case appErrors.IsPermanent(sendErr):
		return DispatchFailed, transition(model.TriggerSendPermanent, func(next *model.Campaign) {
			next.LastError = sendErr.Error()
		})
	case attempts >= d.MaxAttempts:
		return DispatchFailed, transition(model.TriggerExhausted, func(next *model.Campaign) {
			next.LastError = sendErr.Error()
			next.NextEligibleAt = time.Time{}
		})
	default:
		return DispatchRetryScheduled, transition(model.TriggerSendTransient, func(next *model.Campaign) {
			next.LastError = sendErr.Error()
			next.NextEligibleAt = d.now().Add(d.Backoff.Delay(attempts))
		})
	}
}

// RecoverStale records an interrupted attempt on a campaign left in sending,
// for example by a crash mid-send, as a transient failure.
func (d *Dispatcher) RecoverStale(ctx context.Context, c *model.Campaign) (DispatchOutcome, error) {
	outcome, mutate := d.outcomeMutation(c.Attempts, appErrors.Transient(errors.New("dispatch interrupted")))
	if _, err := d.CampaignRepo.Update(ctx, c.ID, c.Version, mutate); err != nil {
		if lostRace(err) {
			return DispatchSkipped, nil
		}
		return "", err
	}
	d.Logger.Warn("recovered stale send", zap.String("campaign_id", c.ID), zap.String("outcome", string(outcome)))
	metrics.RecordDispatch(string(c.Channel), string(outcome))
	return outcome, nil
}

// lostRace reports errors meaning another writer changed the campaign first.
func lostRace(err error) bool {
	return errors.Is(err, appErrors.ErrConflict) || errors.Is(err, appErrors.ErrTerminal) || errors.Is(err, errInvalidTransition)
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// transition builds a mutation that follows the state machine edge for t and
// then applies extra.
func transition(t model.Trigger, extra func(next *model.Campaign)) repository.Mutation {
	return func(next *model.Campaign) error {
		to, ok := next.Status.Next(t)
		if !ok {
			return fmt.Errorf("%w: %s on %s", errInvalidTransition, t, next.Status)
		}
		next.Status = to
		if extra != nil {
			extra(next)
		}
		return nil
	}
}
