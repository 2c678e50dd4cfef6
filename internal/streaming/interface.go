// Package streaming fans task events out to external consumers (a
// dashboard, a log aggregator) independent of the in-process event Bus
// internal/orchestrator uses for its own auto-resume wiring. Ported from the
// teacher's streaming/{interface,logger}.go.
package streaming

import (
	"context"
	"time"
)

// Event is one published occurrence, JSON-friendly for the Hub's websocket
// fan-out and LogPublisher's structured logging alike.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher sends events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// Subscriber receives events matching topic.
type Subscriber interface {
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}
