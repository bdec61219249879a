package channel

import (
	"context"
	"encoding/json"
	"fmt"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
	"github.com/unclebandit/retention-engine/internal/queue"
)

// InAppMessage is what the app backend reads from the in-app topic.
type InAppMessage struct {
	UserID  string `json:"user_id"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// InAppSender hands messages to the app backend through the queue.
type InAppSender struct {
	Publisher queue.Publisher
	Topic     string
}

func NewInAppSender(p queue.Publisher) *InAppSender {
	return &InAppSender{Publisher: p, Topic: queue.TopicInAppMessages}
}

func (s *InAppSender) Send(ctx context.Context, address string, msg model.Message) error {
	if address == "" {
		return appErrors.Permanent(fmt.Errorf("missing in-app user id"))
	}
	body, err := json.Marshal(InAppMessage{UserID: address, Subject: msg.Subject, Body: msg.Body})
	if err != nil {
		return appErrors.Permanent(err)
	}
	if err := s.Publisher.Publish(ctx, s.Topic, body); err != nil {
		return appErrors.Transient(fmt.Errorf("publish in-app message: %w", err))
	}
	return nil
}
