// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrConflict means the record changed since it was read. Callers re-read or skip.
var ErrConflict = errors.New("campaign changed concurrently")

// ErrCampaignNotFound is returned when no campaign has the requested ID.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrCustomerNotFound struct {
	CustomerID string
}

func (e *ErrCustomerNotFound) Error() string {
	return fmt.Sprintf("customer with ID %s not found", e.CustomerID)
}

func NewCustomerNotFound(id string) error {
	return &ErrCustomerNotFound{CustomerID: id}
}

// IsNotFound reports whether err is a campaign or customer lookup miss.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var u *ErrCustomerNotFound
	return errors.As(err, &c) || errors.As(err, &u)
}

// DeliveryError is what a channel sender returns when a send did not succeed.
// Permanent errors are never retried.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery error: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &DeliveryError{Err: err}
}

func Permanent(err error) error {
	return &DeliveryError{Permanent: true, Err: err}
}

// IsPermanent reports whether err is a permanent delivery error. Any other
// non-nil error, including timeouts, counts as transient.
func IsPermanent(err error) bool {
	var d *DeliveryError
	return errors.As(err, &d) && d.Permanent
}

// ErrTerminal is returned when a mutation tries to move a campaign out of a
// terminal status.
var ErrTerminal = errors.New("campaign is in a terminal status")

// ErrInvalidEvent marks a provider event that is missing fields or has an
// unknown type.
var ErrInvalidEvent = errors.New("invalid delivery event")
