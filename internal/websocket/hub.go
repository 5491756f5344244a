// Package websocket keeps the open pages of the app connected to the worker.
// Each page is a client: it receives notifications, toasts and
// focus/navigate commands, and sends page → worker messages.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukerupert/chabapp/internal/model"
	"github.com/dukerupert/chabapp/internal/notify"
)

// Message types sent to pages.
const (
	TypeNotificationShow  = "notification_show"
	TypeNotificationClose = "notification_close"
	TypeFocus             = "focus"
	TypeNavigate          = "navigate"
	TypeControllerChange  = "controller_change"
	TypeToast             = "toast"
)

// Message is a worker → page message.
type Message struct {
	Type         string              `json:"type"`
	Notification *model.Notification `json:"notification,omitempty"`
	Tag          string              `json:"tag,omitempty"`
	URL          string              `json:"url,omitempty"`
	Version      string              `json:"version,omitempty"`
	Text         string              `json:"text,omitempty"`
}

// MessageHandler receives page → worker messages.
type MessageHandler func(ctx context.Context, msg model.WorkerMessage) error

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	seq     uint64
	handler MessageHandler
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// SetMessageHandler sets where page messages are delivered.
func (h *Hub) SetMessageHandler(fn MessageHandler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.seq++
	c.seq = h.seq
	h.clients[c] = struct{}{}
	h.mu.Unlock()
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

// Broadcast sends a message to all connected clients.
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
			// Client buffer full, drop message to avoid blocking
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Show displays n on every open page.
func (h *Hub) Show(_ context.Context, n model.Notification) error {
	h.Broadcast(Message{Type: TypeNotificationShow, Notification: &n})
	return nil
}

// Close removes the notification with tag from every open page.
func (h *Hub) Close(_ context.Context, tag string) error {
	h.Broadcast(Message{Type: TypeNotificationClose, Tag: tag})
	return nil
}

// Claim tells every open page that version now controls it.
func (h *Hub) Claim(version string) {
	h.Broadcast(Message{Type: TypeControllerChange, Version: version})
}

// Toast shows a short message on every open page.
func (h *Hub) Toast(text string) {
	h.Broadcast(Message{Type: TypeToast, Text: text})
}

// Match returns the open pages, oldest connection first.
func (h *Hub) Match(context.Context) []notify.Client {
	h.mu.RLock()
	list := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		list = append(list, c)
	}
	h.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	out := make([]notify.Client, len(list))
	for i, c := range list {
		out[i] = c
	}
	return out
}

func (h *Hub) dispatch(ctx context.Context, msg model.WorkerMessage) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()

	if handler == nil {
		h.logger.Warn("dropping page message, no worker listening", "type", msg.Type)
		return
	}
	if err := handler(ctx, msg); err != nil {
		h.logger.Warn("page message failed", "type", msg.Type, "error", err)
	}
}
