package model

type Status string

const (
	StatusPending         Status = "pending"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusOpened          Status = "opened"
	StatusClicked         Status = "clicked"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Statuses lists every campaign status, in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusSending, StatusSent, StatusOpened, StatusClicked,
	StatusFailedRetryable, StatusFailed, StatusCancelled,
}

// ActiveStatuses hold the per-customer dedupe slot.
var ActiveStatuses = []Status{StatusPending, StatusSending, StatusSent, StatusFailedRetryable}

// Active reports whether the status occupies the customer's single active slot.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailedRetryable:
		return true
	}
	return false
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusClicked, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Trigger is anything that moves a campaign between statuses.
type Trigger string

const (
	TriggerClaim         Trigger = "claim"
	TriggerSendOK        Trigger = "send_ok"
	TriggerSendTransient Trigger = "send_transient"
	TriggerSendPermanent Trigger = "send_permanent"
	TriggerExhausted     Trigger = "retries_exhausted"
	TriggerRetryDue      Trigger = "retry_due"
	TriggerCancel        Trigger = "cancel"
	TriggerDelivered     Trigger = "delivered"
	TriggerOpened        Trigger = "opened"
	TriggerClicked       Trigger = "clicked"
	TriggerBounced       Trigger = "bounced"
	TriggerProviderFail  Trigger = "provider_failed"
	TriggerProviderFinal Trigger = "provider_failed_final"
	// TriggerRelease hands back a claim that never reached the provider.
	TriggerRelease       Trigger = "release"
)

type edge struct {
	from    Status
	trigger Trigger
}

var transitions = map[edge]Status{
	{StatusPending, TriggerClaim}:                StatusSending,
	{StatusSending, TriggerSendOK}:               StatusSent,
	{StatusSending, TriggerSendTransient}:        StatusFailedRetryable,
	{StatusSending, TriggerExhausted}:            StatusFailed,
	{StatusPending, TriggerExhausted}:            StatusFailed,
	{StatusFailedRetryable, TriggerExhausted}:    StatusFailed,
	{StatusSending, TriggerRelease}:              StatusPending,
	{StatusSending, TriggerSendPermanent}:        StatusFailed,
	{StatusFailedRetryable, TriggerRetryDue}:     StatusPending,
	{StatusSent, TriggerOpened}:                  StatusOpened,
	{StatusOpened, TriggerClicked}:               StatusClicked,
	{StatusPending, TriggerCancel}:               StatusCancelled,
	{StatusSending, TriggerCancel}:               StatusCancelled,
	{StatusFailedRetryable, TriggerCancel}:       StatusCancelled,
	{StatusSending, TriggerDelivered}:            StatusSent,
	{StatusSent, TriggerDelivered}:               StatusSent,
	{StatusSent, TriggerBounced}:                 StatusFailed,
	{StatusSent, TriggerProviderFail}:            StatusFailedRetryable,
	{StatusSent, TriggerProviderFinal}:           StatusFailed,
}

// Next returns the status reached from s on trigger t, and false when the
// state machine has no such edge.
func (s Status) Next(t Trigger) (Status, bool) {
	next, ok := transitions[edge{s, t}]
	return next, ok
}
