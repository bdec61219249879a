package model

import "time"

// EventType is a delivery callback kind reported by a channel provider.
type EventType string

const (
	EventDelivered EventType = "delivered"
	EventOpened    EventType = "opened"
	EventClicked   EventType = "clicked"
	EventBounced   EventType = "bounced"
	EventFailed    EventType = "failed"
)

func (e EventType) Valid() bool {
	switch e {
	case EventDelivered, EventOpened, EventClicked, EventBounced, EventFailed:
		return true
	}
	return false
}

// DeliveryEvent is one provider callback, from the webhook or the events queue.
type DeliveryEvent struct {
	CampaignID string    `json:"campaign_id"`
	EventID    string    `json:"event_id"`
	EventType  EventType `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
}
