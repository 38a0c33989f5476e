package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/notify"
)

// Subscribe relays events published on notify.Channel to connected users
// until ctx is done. Every instance subscribes, so a user connected to any
// instance receives the event.
func (h *Hub) Subscribe(ctx context.Context, rdb *redis.Client) {
	if rdb == nil {
		h.log.Info("redis not configured; event subscriber not started")
		return
	}

	pubsub := rdb.Subscribe(ctx, notify.Channel)
	go func() {
		defer pubsub.Close()
		h.log.Info("event subscriber started", zap.String("channel", notify.Channel))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.relay(msg.Payload)
			}
		}
	}()
}

func (h *Hub) relay(payload string) {
	var e notify.Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		h.log.Warn("invalid event payload", zap.Error(err))
		return
	}
	if e.UserID == "" {
		h.log.Debug("event without user", zap.String("type", e.Type))
		return
	}
	h.SendToUser(e.UserID, []byte(payload))
}
