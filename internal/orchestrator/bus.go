package orchestrator

import (
	"log"
	"sync"
)

// Bus is the single in-process pub/sub the Orchestrator owns (§4.G).
// Grounded on the teacher's streaming.Publisher/Subscriber shape
// (control_plane/streaming/interface.go), collapsed to a synchronous
// in-process bus since core has no external transport of its own; the
// external fan-out the teacher does over WebSockets is the
// internal/streaming Hub's job, which subscribes to this Bus like any
// other consumer.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]func(Event)
}

// Event is a single published occurrence. Topic is one of the task:*,
// subtask:*, agent:*, gate:*, usage:*, container:*, tasks:auto-resumed,
// capacity:restored, trash:emptied, worktree:merge-cleaned kinds from §4.G.
type Event struct {
	Topic   string
	Payload interface{}
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]func(Event))}
}

// Subscribe registers handler for topic, invoked in registration order.
func (b *Bus) Subscribe(topic string, handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish fans event out to topic's subscribers synchronously, in
// registration order. A panicking subscriber is caught and logged, never
// propagated to the publisher or to the next subscriber (§4.G: "Subscribers
// may be synchronous; errors are caught").
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	handlers := append([]func(Event){}, b.handlers[topic]...)
	b.mu.Unlock()

	event := Event{Topic: topic, Payload: payload}
	for _, h := range handlers {
		b.invoke(h, event)
	}
}

func (b *Bus) invoke(h func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: subscriber for %q panicked: %v", event.Topic, r)
		}
	}()
	h(event)
}
