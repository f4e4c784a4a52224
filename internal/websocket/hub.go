package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types pushed to dashboards.
const (
	EventDeviceSubscribed   = "device_subscribed"
	EventDeviceUnsubscribed = "device_unsubscribed"
	EventDevicePruned       = "device_pruned"
	EventDevicesCleared     = "devices_cleared"
	EventMessageSent        = "message_sent"
	EventBackupStatus       = "backup_status"
)

// Message is one event sent to every connected client.
type Message struct {
	Type        string         `json:"type"`
	DeviceID    string         `json:"deviceId,omitempty"`
	BroadcastID string         `json:"broadcastId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	At          time.Time      `json:"at"`
}

// NewMessage creates an event of the given type, stamped with the current time.
func NewMessage(eventType, deviceID string, data map[string]any) Message {
	return Message{
		Type:     eventType,
		DeviceID: deviceID,
		Data:     data,
		At:       time.Now().UTC(),
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With("component", "websocket"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues msg for every connected client without blocking. Clients
// whose buffer is full miss the event.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
