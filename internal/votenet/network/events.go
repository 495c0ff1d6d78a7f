package network

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/votenet/votenet/internal/votenet/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is same-cluster operational tooling, not a browser surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Event is one frame on the live stream.
type Event struct {
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
	Data      any     `json:"data"`
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *eventClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// EventHub fans cluster events out to websocket subscribers. Slow clients
// are dropped rather than allowed to stall the publisher.
type EventHub struct {
	mu      sync.Mutex
	clients map[*eventClient]bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[*eventClient]bool)}
}

// Publish sends one event to every connected client.
func (h *EventHub) Publish(event string, payload any) {
	frame, err := json.Marshal(Event{
		Event:     event,
		Timestamp: types.TimeToUnixSeconds(time.Now()),
		Data:      payload,
	})
	if err != nil {
		netLogger().Errorw("Failed to marshal event", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			delete(h.clients, client)
			client.close()
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the client goes
// away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		netLogger().Errorw("Websocket upgrade failed", "error", err)
		return
	}

	client := &eventClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	netLogger().Infow("Event stream client connected", "remote", r.RemoteAddr)

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *EventHub) writeLoop(client *eventClient) {
	defer client.conn.Close()
	for frame := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.drop(client)
			return
		}
	}
}

// readLoop drains inbound frames so pings are answered and disconnects are
// noticed.
func (h *EventHub) readLoop(client *eventClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.drop(client)
			return
		}
	}
}

func (h *EventHub) drop(client *eventClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		client.close()
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
		client.conn.Close()
	}
}
