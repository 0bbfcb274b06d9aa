// Package realtime delivers notification objects to connected user sessions
// over websockets. It is the concrete transport behind the engine's
// RealtimeGateway abstraction; the engine never imports it directly.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sapliy/ops-platform/internal/notification"
)

// ErrNotConnected is returned when a user has no live sessions. Callers treat
// it as a normal outcome: the notification row is durable regardless.
var ErrNotConnected = fmt.Errorf("user has no active connections")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
)

// Message is the envelope pushed to clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Push message types.
const (
	TypeNotification        = "notification"
	TypeUnreadCount         = "unread_count"
	TypeNotificationDeleted = "notification_deleted"
)

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

// Hub tracks live websocket sessions per user and fans messages out to every
// session a user has open. One user may be connected from several devices.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// ServeWS upgrades an HTTP request to a websocket session for the given user.
// Authentication happens upstream; the hub only needs the resolved identity.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.register(c)
	h.logger.Debug("websocket session opened", "user_id", userID)

	go c.writePump()
	go h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]bool)
	}
	h.clients[c.userID][c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if sessions[c] {
		delete(sessions, c)
		// The send channel stays open: a concurrent sendToUser may have
		// snapshotted this session before the lock and still deliver into
		// the buffer. Closing done tells writePump to exit; the channel is
		// garbage-collected with the client.
		close(c.done)
	}
	if len(sessions) == 0 {
		delete(h.clients, c.userID)
	}
}

// ConnectedUsers returns the number of users with at least one live session.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendNotificationToUser pushes a notification to every session the user has
// open. Returns ErrNotConnected when there are none.
func (h *Hub) SendNotificationToUser(ctx context.Context, userID string, n *notification.Notification) error {
	return h.sendToUser(userID, Message{Type: TypeNotification, Payload: n})
}

// UpdateUnreadCount broadcasts the user's current unread total.
func (h *Hub) UpdateUnreadCount(ctx context.Context, userID string, count int) error {
	return h.sendToUser(userID, Message{Type: TypeUnreadCount, Payload: map[string]int{"count": count}})
}

// BroadcastNotificationDeleted tells the user's sessions to drop a notification.
func (h *Hub) BroadcastNotificationDeleted(ctx context.Context, userID, notificationID string) error {
	return h.sendToUser(userID, Message{
		Type:    TypeNotificationDeleted,
		Payload: map[string]string{"notification_id": notificationID},
	})
}

func (h *Hub) sendToUser(userID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}

	h.mu.RLock()
	sessions := h.clients[userID]
	targets := make([]*client, 0, len(sessions))
	for c := range sessions {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNotConnected
	}

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the session rather than block delivery.
			h.logger.Warn("dropping slow websocket session", "user_id", userID)
			h.unregister(c)
			c.conn.Close()
		}
	}
	return nil
}

// readPump drains client frames (we expect none) and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Debug("websocket session closed", "user_id", c.userID)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
