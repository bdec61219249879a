package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// TopicDeliveryEvents carries provider callbacks for the event tracker.
	TopicDeliveryEvents = "delivery_events"
	// TopicInAppMessages carries in-app messages for the app backend.
	TopicInAppMessages = "in_app_messages"
)

// Handler processes one message body. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, body []byte) error

type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

type Queue interface {
	Publisher
	// Subscribe registers handler for topic. Delivery stops when ctx ends.
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// InMemoryQueue fans each message out to every subscriber of its topic and
// retries failed handlers with a linear backoff.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]subscription
	wg         sync.WaitGroup
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

type subscription struct {
	ctx     context.Context
	handler Handler
}

// job wraps a message body with retry info
type job struct {
	Topic      string
	Body       []byte
	RetryCount int
}

func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]subscription),
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Logger:     logger,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, body []byte) error {
	q.mu.Lock()
	subs := append([]subscription(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(subs) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, sub := range subs {
		j := job{Topic: topic, Body: append([]byte(nil), body...)}
		q.wg.Add(1)
		go q.processJob(sub, j)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(sub subscription, j job) {
	defer q.wg.Done()
	for {
		if sub.ctx.Err() != nil {
			return
		}
		err := sub.handler(sub.ctx, j.Body)
		if err == nil {
			return
		}

		j.RetryCount++
		if j.RetryCount > q.MaxRetries {
			q.Logger.Error("message dropped after retries",
				zap.String("topic", j.Topic), zap.Int("retries", q.MaxRetries), zap.Error(err))
			return
		}
		q.Logger.Warn("message handler failed, retrying",
			zap.String("topic", j.Topic), zap.Int("attempt", j.RetryCount), zap.Error(err))

		select {
		case <-sub.ctx.Done():
			return
		case <-time.After(time.Duration(j.RetryCount) * q.RetryDelay):
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], subscription{ctx: ctx, handler: handler})
	return nil
}

// Wait blocks until every in-flight message has been handled or dropped.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

var _ Queue = (*InMemoryQueue)(nil)
