package realtime

import (
	"github.com/google/uuid"

	ws "github.com/citycab/dispatch/pkg/websocket"
)

// Notifier adapts the hub to the per-user push interface the lifecycle and
// matching services depend on. Delivery is best-effort: false means the user
// has no channel or their buffer overflowed.
type Notifier struct {
	hub *ws.Hub
}

// NewNotifier wraps a hub.
func NewNotifier(hub *ws.Hub) *Notifier {
	return &Notifier{hub: hub}
}

// Send delivers a typed message to the user's channel.
func (n *Notifier) Send(userID uuid.UUID, msgType string, data map[string]interface{}) bool {
	return n.hub.SendToUser(userID.String(), &ws.Message{
		Type: msgType,
		Data: data,
	})
}

// IsConnected reports whether the user currently has a channel.
func (n *Notifier) IsConnected(userID uuid.UUID) bool {
	return n.hub.IsConnected(userID.String())
}
