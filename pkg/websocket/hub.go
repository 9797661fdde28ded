package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/logger"
)

// Session idle timeout used when the caller does not configure one. Clients
// are expected to ping every 30 seconds.
const defaultIdleTimeout = 90 * time.Second

// MessageHandler is a function that handles an inbound message.
type MessageHandler func(*Client, *Message)

// Hub maintains the set of active channels, at most one per user id, and
// routes inbound messages to registered handlers.
type Hub struct {
	clients        map[string]*Client
	handlers       map[string]MessageHandler
	unknownHandler MessageHandler
	sendBufferSize int
	idleTimeout    time.Duration
	mu             sync.RWMutex
}

// NewHub creates a new Hub instance. Channels on this hub close after
// idleTimeout without an inbound frame; zero selects the default.
func NewHub(sendBufferSize int, idleTimeout time.Duration) *Hub {
	if sendBufferSize <= 0 {
		sendBufferSize = 256
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Hub{
		clients:        make(map[string]*Client),
		handlers:       make(map[string]MessageHandler),
		sendBufferSize: sendBufferSize,
		idleTimeout:    idleTimeout,
	}
}

// Register adds a channel for the client's user id. A pre-existing channel
// for the same user is displaced: its connection receives a policy-violation
// close and its send buffer is shut.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	existing, ok := h.clients[client.ID]
	h.clients[client.ID] = client
	h.mu.Unlock()

	if ok {
		// The displaced WritePump drains its buffer and then emits the
		// policy-violation close frame.
		existing.closeSend()
		logger.Info("displaced existing session", zap.String("user_id", client.ID))
	}

	logger.Debug("client registered", zap.String("user_id", client.ID), zap.String("role", client.Role))
}

// Unregister removes the client's registration if it is still the current one.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.ID]
	if ok && current == client {
		delete(h.clients, client.ID)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		client.closeSend()
		logger.Debug("client unregistered", zap.String("user_id", client.ID))
	}
}

// SendToUser delivers msg to the user's channel. Returns false when the user
// has no channel or the channel overflowed.
func (h *Hub) SendToUser(userID string, msg *Message) bool {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	return client.trySend(msg)
}

// BroadcastToUsers delivers msg to every listed user and returns the number
// of successful deliveries. One failed send never blocks the others.
func (h *Hub) BroadcastToUsers(userIDs []string, msg *Message) int {
	delivered := 0
	for _, id := range userIDs {
		if h.SendToUser(id, msg) {
			delivered++
		}
	}
	return delivered
}

// IsConnected reports whether the user currently has a channel. Non-blocking.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// HandleMessage routes an inbound message to the handler for its type.
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	handler, exists := h.handlers[msg.Type]
	unknown := h.unknownHandler
	h.mu.RUnlock()

	if exists {
		handler(client, msg)
		return
	}
	if unknown != nil {
		unknown(client, msg)
		return
	}
	logger.Debug("no handler for message type", zap.String("type", msg.Type))
}

// RegisterHandler registers a message handler for a specific type.
func (h *Hub) RegisterHandler(msgType string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// RegisterUnknownHandler registers the handler for unrecognised message types.
func (h *Hub) RegisterUnknownHandler(handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unknownHandler = handler
}

// GetClient returns the channel registration for a user id.
func (h *Hub) GetClient(userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[userID]
	return client, ok
}

// GetClientCount returns the number of connected channels.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll shuts every channel, used on process shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}
