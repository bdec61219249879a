package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/retention-engine/internal/model"
)

// LogSender only logs the message. Used in development and memory mode.
type LogSender struct {
	Channel model.Channel
	Logger  *zap.Logger
}

func (s *LogSender) Send(ctx context.Context, address string, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Logger.Info("message delivered to log",
		zap.String("channel", string(s.Channel)),
		zap.String("address", address),
		zap.String("subject", msg.Subject),
		zap.Int("body_len", len(msg.Body)),
	)
	return nil
}
