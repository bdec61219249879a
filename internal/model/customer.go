// internal/model/customer.go
package model

import "time"

// Customer is owned by the upstream customer sync. The engine only records the
// churn score it computed.
type Customer struct {
	ID               string             `db:"id" json:"id"`
	FirstName        string             `db:"first_name" json:"first_name"`
	LastName         string             `db:"last_name" json:"last_name"`
	ChurnRiskScore   *float64           `db:"churn_risk_score" json:"churn_risk_score,omitempty"`
	ScoredAt         time.Time          `db:"-" json:"scored_at,omitzero"`
	ChannelAddresses map[Channel]string `db:"-" json:"channel_addresses"`
}

// Address returns the customer's contact for ch, or "" when there is none.
func (c *Customer) Address(ch Channel) string {
	if c.ChannelAddresses == nil {
		return ""
	}
	return c.ChannelAddresses[ch]
}
