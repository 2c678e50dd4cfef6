package streaming

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/daemon/internal/idgen"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/orchestrator"
)

// maxConnections caps simultaneous websocket subscribers, the same
// overload guard the teacher's MetricsHub applies.
const maxConnections = 200

// eventTopics is the full set of orchestrator.Bus topics a dashboard or log
// aggregator would want to see, per §4.G's event catalogue.
var eventTopics = []string{
	"task:created",
	"task:started",
	"task:paused",
	"task:session-resumed",
	"task:completed",
	"task:failed",
	"task:cancelled",
	"task:trashed",
	"task:restored",
	"task:archived",
	"task:unarchived",
	"tasks:auto-resumed",
}

// Hub fans orchestrator.Bus events out to connected websocket clients.
// Single broadcaster pattern: one goroutine owns the client map, the same
// shape as the teacher's MetricsHub, generalized from a per-tenant metrics
// poll to a broadcast-on-publish subscriber over the Bus.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan orchestrator.Event
	mu         sync.RWMutex
}

// NewHub constructs a Hub and subscribes it to every known event topic on
// bus. Run must be called to start fanning events out.
func NewHub(bus *orchestrator.Bus) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan orchestrator.Event, 256),
	}
	for _, topic := range eventTopics {
		bus.Subscribe(topic, func(e orchestrator.Event) {
			select {
			case h.events <- e:
			default:
				log.Printf("streaming: hub event buffer full, dropping %s", e.Topic)
			}
		})
	}
	return h
}

// Run drives the hub's main loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("streaming: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			observability.StreamingClients.Set(float64(h.ClientCount()))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			observability.StreamingClients.Set(float64(h.ClientCount()))
		case e := <-h.events:
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e orchestrator.Event) {
	payload, err := json.Marshal(Event{
		ID:        idgen.New("evt"),
		Topic:     e.Topic,
		Payload:   marshalPayload(e.Payload),
		Timestamp: time.Now(),
		Source:    "taskforge-daemon",
	})
	if err != nil {
		log.Printf("streaming: marshal event %s: %v", e.Topic, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("streaming: write error, scheduling unregister: %v", err)
			go h.Unregister(conn)
		}
	}
}

func marshalPayload(payload interface{}) []byte {
	b, err := json.Marshal(payload)
	if err != nil {
		return []byte(`"unmarshalable payload"`)
	}
	return b
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("streaming: shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.StreamingClients.Set(0)
}

// Register adds conn to the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes conn from the broadcast set.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
