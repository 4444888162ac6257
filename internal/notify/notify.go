// Package notify publishes lifecycle events for other services. Publishing
// is best effort: callers log a failure and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/k1networth/rolekeeper/internal/outbox"
	"github.com/k1networth/rolekeeper/internal/shared/events"
)

type Notifier interface {
	Publish(ctx context.Context, eventType, subject string, payload any) error
}

// Error is a failed publish. It never fails the operation that triggered it.
type Error struct {
	EventType string
	Subject   string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish %s %s: %v", e.EventType, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Producer is satisfied by kafkax.Producer.
type Producer interface {
	Produce(ctx context.Context, key, value []byte, timeout time.Duration) error
}

type KafkaNotifier struct {
	producer Producer
	topic    string
	timeout  time.Duration
	log      *slog.Logger
}

func NewKafkaNotifier(producer Producer, topic string, timeout time.Duration, log *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic, timeout: timeout, log: log}
}

func (n *KafkaNotifier) Publish(ctx context.Context, eventType, subject string, payload any) error {
	env, raw, err := encode(eventType, subject, n.topic, payload)
	if err != nil {
		return n.fail(eventType, subject, err)
	}
	if err := n.producer.Produce(ctx, []byte(subject), raw, n.timeout); err != nil {
		return n.fail(eventType, subject, err)
	}
	n.log.Info("event_published",
		slog.String("event_id", env.ID),
		slog.String("event_type", eventType),
		slog.String("subject", subject),
	)
	return nil
}

// fail wraps err. Callers log it.
func (n *KafkaNotifier) fail(eventType, subject string, err error) error {
	return &Error{EventType: eventType, Subject: subject, Err: err}
}

// Enqueuer is satisfied by outbox.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, e outbox.Event) error
}

// OutboxNotifier stores the envelope for the outbox relay to publish.
type OutboxNotifier struct {
	outbox Enqueuer
	topic  string
	log    *slog.Logger
}

func NewOutboxNotifier(outbox Enqueuer, topic string, log *slog.Logger) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox, topic: topic, log: log}
}

func (n *OutboxNotifier) Publish(ctx context.Context, eventType, subject string, payload any) error {
	env, raw, err := encode(eventType, subject, n.topic, payload)
	if err == nil {
		err = n.outbox.Enqueue(ctx, outbox.Event{
			EventID:   env.ID,
			EventType: eventType,
			Subject:   subject,
			Payload:   raw,
		})
	}
	if err != nil {
		return &Error{EventType: eventType, Subject: subject, Err: err}
	}
	n.log.Info("event_enqueued", slog.String("event_id", env.ID), slog.String("event_type", eventType))
	return nil
}

func encode(eventType, subject, topic string, payload any) (events.Envelope, []byte, error) {
	env, err := events.New(eventType, subject, payload)
	if err != nil {
		return events.Envelope{}, nil, err
	}
	env.Topic = topic
	raw, err := json.Marshal(env)
	if err != nil {
		return events.Envelope{}, nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return env, raw, nil
}
