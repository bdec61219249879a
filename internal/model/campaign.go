// internal/model/campaign.go
package model

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in-app"
)

// Channels lists every supported delivery channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelInApp}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// Message is the payload produced by the generator. Senders treat it as opaque.
type Message struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Campaign is a single retention intervention for one customer on one channel.
type Campaign struct {
	ID             string    `db:"id" json:"id"`
	CustomerID     string    `db:"customer_id" json:"customer_id"`
	Channel        Channel   `db:"channel" json:"channel"`
	Message        Message   `db:"-" json:"message"`
	Status         Status    `db:"status" json:"status"`
	Attempts       int       `db:"attempts" json:"attempts"`
	NextEligibleAt time.Time `db:"-" json:"next_eligible_at,omitzero"`
	LastEventID    string    `db:"last_event_id" json:"last_event_id,omitempty"`
	// EventIDs holds the most recent applied event ids, oldest first.
	EventIDs       []string  `db:"-" json:"-"`
	LastError      string    `db:"last_error" json:"last_error,omitempty"`
	Version        int64     `db:"version" json:"version"`
	CreatedAt      time.Time `db:"-" json:"created_at"`
	UpdatedAt      time.Time `db:"-" json:"updated_at"`
}

// Due reports whether the dispatcher may attempt the campaign at now.
func (c *Campaign) Due(now time.Time) bool {
	if c.Status != StatusPending && c.Status != StatusFailedRetryable {
		return false
	}
	return !c.NextEligibleAt.After(now)
}

// MaxRememberedEvents bounds Campaign.EventIDs.
const MaxRememberedEvents = 32

// SeenEvent reports whether eventID was already applied to the campaign.
func (c *Campaign) SeenEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	if c.LastEventID == eventID {
		return true
	}
	for _, id := range c.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// RememberEvent records eventID as applied. It always allocates a new slice
// so copies of the campaign never share the backing array.
func (c *Campaign) RememberEvent(eventID string) {
	ids := c.EventIDs
	if len(ids) >= MaxRememberedEvents {
		ids = ids[len(ids)-MaxRememberedEvents+1:]
	}
	next := make([]string, 0, len(ids)+1)
	next = append(next, ids...)
	c.EventIDs = append(next, eventID)
	c.LastEventID = eventID
}

// CampaignFilter narrows ListCampaigns. Empty fields match everything.
type CampaignFilter struct {
	Channel Channel
	Status  Status
	Offset  int
	Limit   int
}
