package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Message is the JSON envelope exchanged on every channel.
type Message struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// Client represents one authenticated persistent channel.
type Client struct {
	ID            string // user id
	Role          string // "rider" or "driver"
	PhoneVerified bool
	Conn          *websocket.Conn
	Send          chan *Message // buffered channel of outbound messages
	Hub           *Hub

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new channel registration.
func NewClient(id string, conn *websocket.Conn, hub *Hub, role string, phoneVerified bool) *Client {
	return &Client{
		ID:            id,
		Role:          role,
		PhoneVerified: phoneVerified,
		Conn:          conn,
		Send:          make(chan *Message, hub.sendBufferSize),
		Hub:           hub,
	}
}

// ReadPump pumps inbound frames from the connection to the hub's handlers.
// The idle deadline is refreshed on every frame, so a client that pings
// keeps the channel alive.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.idleTimeout))

	for {
		var msg Message
		err := c.Conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read ended", zap.String("user_id", c.ID), zap.Error(err))
			}
			return
		}

		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.idleTimeout))
		c.Hub.HandleMessage(c, &msg)
	}
}

// WritePump pumps outbound messages from the send buffer to the connection.
// In-order delivery per channel follows from the single writer goroutine.
func (c *Client) WritePump() {
	defer c.Conn.Close()

	for message := range c.Send {
		c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now().UTC()
		}
		if err := c.Conn.WriteJSON(message); err != nil {
			return
		}
	}

	// Hub closed the channel: either displacement or shutdown.
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session replaced"))
}

// SendMessage enqueues msg for delivery on this channel. Returns false when
// the channel is closed or its buffer overflowed.
func (c *Client) SendMessage(msg *Message) bool {
	return c.trySend(msg)
}

// trySend enqueues msg without blocking. A full buffer means the peer has
// stopped draining; the connection is dropped rather than letting one slow
// consumer stall producers.
func (c *Client) trySend(msg *Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.Send <- msg:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		logger.Warn("send buffer overflow, dropping connection", zap.String("user_id", c.ID))
		c.Hub.Unregister(c)
		return false
	}
}

// closeSend shuts the send buffer exactly once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// MarshalJSON formats the envelope timestamp as RFC3339.
func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	out := &struct {
		Timestamp string `json:"timestamp,omitempty"`
		*Alias
	}{Alias: (*Alias)(m)}
	if !m.Timestamp.IsZero() {
		out.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts an optional RFC3339 timestamp.
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		Timestamp string `json:"timestamp,omitempty"`
		*Alias
	}{Alias: (*Alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = t
	}
	return nil
}
