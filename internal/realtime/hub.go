package realtime

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"orderflow/internal/orders"
)

// StatusUpdate is the envelope broadcast to WebSocket clients whenever an
// order saga changes status.
type StatusUpdate struct {
	Type     string                `json:"type"`
	OrderID  string                `json:"order_id"`
	Snapshot orders.StatusSnapshot `json:"snapshot"`
}

// Hub manages WebSocket clients and fans order status updates out to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	mu          sync.Mutex
}

// NewHub constructs a Hub. Broadcast is buffered so publishers never block
// on slow delivery; updates beyond the buffer are dropped.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte, 64),
	}
}

// PublishStatus broadcasts an order's status snapshot to all clients. It is
// shaped to plug in as a saga onStatus hook and never blocks: a full buffer
// drops the update, clients reconcile via the status endpoint.
func (h *Hub) PublishStatus(orderID string, snap orders.StatusSnapshot) {
	msg, err := json.Marshal(StatusUpdate{Type: "order_status", OrderID: orderID, Snapshot: snap})
	if err != nil {
		log.Printf("realtime: marshal status update for order %s: %v", orderID, err)
		return
	}
	select {
	case h.Broadcast <- msg:
	default:
	}
}

// Run processes register/unregister/broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}
