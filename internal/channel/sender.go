// Package channel holds the delivery adapters for each campaign channel.
package channel

import (
	"context"
	"fmt"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
)

// Sender delivers one message to one address. It returns nil on success, or an
// error built with appErrors.Transient / appErrors.Permanent. Any other error is
// treated as transient. Implementations must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, address string, msg model.Message) error
}

// Registry maps a channel to its sender.
type Registry map[model.Channel]Sender

// Send routes to the sender registered for ch. An unknown channel is a
// permanent failure.
func (r Registry) Send(ctx context.Context, ch model.Channel, address string, msg model.Message) error {
	s, ok := r[ch]
	if !ok {
		return appErrors.Permanent(fmt.Errorf("no sender registered for channel %q", ch))
	}
	return s.Send(ctx, address, msg)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, address string, msg model.Message) error

func (f SenderFunc) Send(ctx context.Context, address string, msg model.Message) error {
	return f(ctx, address, msg)
}
