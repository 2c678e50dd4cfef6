package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/taskforge/daemon/internal/idgen"
)

// LogPublisher is the Publisher used until an external broker (NATS, SQS,
// whatever ops picks) is wired up: it writes structured JSON lines to the
// standard logger, same as the teacher's LogPublisher.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher builds a LogPublisher writing to the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

// Publish marshals payload, wraps it in an Event, and logs it.
func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        idgen.New("evt"),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "taskforge-daemon",
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[STREAMING] PUBLISH %s: %s", topic, string(eventBytes))
	return nil
}

// Close is a no-op for LogPublisher; present to satisfy Publisher.
func (p *LogPublisher) Close() error {
	p.logger.Println("[STREAMING] closed LogPublisher")
	return nil
}
