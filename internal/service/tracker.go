package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/metrics"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/repository"
)

type EventResult string

const (
	EventApplied           EventResult = "applied"
	EventDuplicateIgnored  EventResult = "duplicate_ignored"
	EventInvalidTransition EventResult = "invalid_transition"
)

// eventRetries bounds re-reads when the campaign changes between read and write.
const eventRetries = 5

// Tracker applies provider callbacks to campaigns. Applying the same event
// twice is a no-op, and events that do not fit the current status are ignored.
type Tracker struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Backoff      Backoff
	MaxAttempts  int
	Logger       *zap.Logger
	Now          func() time.Time
}

func (t *Tracker) ApplyEvent(ctx context.Context, ev model.DeliveryEvent) (EventResult, error) {
	if !ev.EventType.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", appErrors.ErrInvalidEvent, ev.EventType)
	}
	if ev.EventID == "" || ev.CampaignID == "" {
		return "", fmt.Errorf("%w: campaign_id and event_id are required", appErrors.ErrInvalidEvent)
	}

	for range eventRetries {
		c, err := t.CampaignRepo.GetByID(ctx, ev.CampaignID)
		if err != nil {
			return "", err
		}

		result, mutate := t.evaluate(c, ev)
		if mutate == nil {
			t.record(ev, c, result)
			return result, nil
		}

		_, err = t.CampaignRepo.Update(ctx, c.ID, c.Version, mutate)
		switch {
		case err == nil:
			t.record(ev, c, result)
			return result, nil
		case errors.Is(err, appErrors.ErrConflict), errors.Is(err, appErrors.ErrTerminal):
			continue
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("apply event %s: %w", ev.EventID, appErrors.ErrConflict)
}

// evaluate decides what ev does to c. A nil mutation means no write.
func (t *Tracker) evaluate(c *model.Campaign, ev model.DeliveryEvent) (EventResult, repository.Mutation) {
	if c.SeenEvent(ev.EventID) {
		return EventDuplicateIgnored, nil
	}

	trigger := triggerFor(ev.EventType)
	if ev.EventType == model.EventFailed && c.Attempts >= t.MaxAttempts {
		trigger = model.TriggerProviderFinal
	}
	if _, ok := c.Status.Next(trigger); !ok {
		return EventInvalidTransition, nil
	}

	return EventApplied, transition(trigger, func(next *model.Campaign) {
		next.RememberEvent(ev.EventID)
		switch next.Status {
		case model.StatusFailedRetryable:
			next.LastError = "provider reported delivery failure"
			next.NextEligibleAt = t.now().Add(t.Backoff.Delay(next.Attempts))
		case model.StatusFailed:
			next.LastError = fmt.Sprintf("provider reported %s", ev.EventType)
			next.NextEligibleAt = time.Time{}
		}
	})
}

func (t *Tracker) record(ev model.DeliveryEvent, c *model.Campaign, result EventResult) {
	metrics.RecordEvent(string(ev.EventType), string(result))
	fields := []zap.Field{
		zap.String("campaign_id", ev.CampaignID),
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("from_status", string(c.Status)),
	}
	switch result {
	case EventInvalidTransition:
		t.Logger.Warn("ignoring out-of-order event", fields...)
	case EventDuplicateIgnored:
		t.Logger.Debug("ignoring duplicate event", fields...)
	default:
		t.Logger.Info("event applied", fields...)
	}
}

// HandleQueuedEvent is the queue handler for provider callbacks. Malformed
// messages and unknown campaigns are dropped; store failures are returned so
// the message is redelivered.
func (t *Tracker) HandleQueuedEvent(ctx context.Context, body []byte) error {
	var ev model.DeliveryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Logger.Warn("dropping malformed event", zap.Error(err))
		return nil
	}
	_, err := t.ApplyEvent(ctx, ev)
	switch {
	case err == nil:
		return nil
	case appErrors.IsNotFound(err):
		t.Logger.Warn("event for unknown campaign", zap.String("campaign_id", ev.CampaignID), zap.String("event_id", ev.EventID))
		return nil
	case errors.Is(err, appErrors.ErrInvalidEvent):
		t.Logger.Warn("dropping invalid event", zap.Error(err))
		return nil
	default:
		return err
	}
}

func triggerFor(e model.EventType) model.Trigger {
	switch e {
	case model.EventDelivered:
		return model.TriggerDelivered
	case model.EventOpened:
		return model.TriggerOpened
	case model.EventClicked:
		return model.TriggerClicked
	case model.EventBounced:
		return model.TriggerBounced
	default:
		return model.TriggerProviderFail
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}
