// Package ws pushes notification events to users connected over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/notify"
)

// Hub tracks one live connection per user. A reconnect replaces the old one.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.Named("ws"),
	}
}

// Run serves registrations until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.userID]; ok {
				h.log.Debug("replacing connection", zap.String("user_id", c.userID))
				_ = old.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by new connection"),
					time.Now().Add(5*time.Second))
				close(old.send)
			}
			h.clients[c.userID] = c
			h.mu.Unlock()
			h.log.Info("user connected", zap.String("user_id", c.userID))

		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.userID]; ok && cur == c {
				delete(h.clients, c.userID)
				close(c.send)
				h.log.Info("user disconnected", zap.String("user_id", c.userID))
			}
			h.mu.Unlock()
		}
	}
}

// Connected reports whether userID has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// SendToUser queues data for userID. It never blocks; a full buffer drops the message.
func (h *Hub) SendToUser(userID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[userID]
	if !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.log.Warn("send buffer full, dropping message", zap.String("user_id", userID))
		return false
	}
}

// Emit makes the hub a notify.Sink for single-instance deployments without Redis.
func (h *Hub) Emit(_ context.Context, e notify.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		h.log.Warn("marshal event", zap.String("type", e.Type), zap.Error(err))
		return
	}
	h.SendToUser(e.UserID, b)
}
