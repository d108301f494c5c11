// Package hub fans board snapshots out to websocket clients.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"qms/clinic-queue/internal/models"

	"github.com/charmbracelet/log"
)

// Subscription selects boards by doctor and service date. Empty fields match anything.
type Subscription struct {
	DoctorID    string
	ServiceDate string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *log.Logger
}

type SubscribeMessage struct {
	Action      string `json:"action"`
	DoctorID    string `json:"doctor_id"`
	ServiceDate string `json:"date"`
}

func New(logger *log.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister closes the client's send channel; it is safe to call twice.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast never blocks: a client whose buffer is full misses this payload.
func (h *Hub) Broadcast(payload []byte, meta Subscription) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			h.logger.Warn("drop board update", "client", client.ID, "doctor_id", meta.DoctorID)
		}
	}
	return delivered
}

// PublishBoard sends a board snapshot to the clients watching its doctor and date.
func (h *Hub) PublishBoard(_ context.Context, board models.Board) {
	payload, err := json.Marshal(board)
	if err != nil {
		h.logger.Error("encode board", "err", err)
		return
	}
	h.Broadcast(payload, Subscription{DoctorID: board.DoctorID, ServiceDate: board.ServiceDate})
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Subscription, meta Subscription) bool {
	if sub.DoctorID != "" && meta.DoctorID != sub.DoctorID {
		return false
	}
	if sub.ServiceDate != "" && meta.ServiceDate != sub.ServiceDate {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
