// Package notify carries fire-and-forget user events out of the core. A sink
// never reports failure to its caller; delivery problems are only logged.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the Redis pub/sub channel events are published on.
const Channel = "arena_events"

// Event types
const (
	MatchFound      = "match_found"
	MatchStarted    = "match_started"
	MatchSettled    = "match_settled"
	MatchRefunded   = "match_refunded"
	QueueExpired    = "queue_expired"
	LobbyReady      = "lobby_ready"
	AwaitingReports = "awaiting_reports"
)

type Event struct {
	Type    string         `json:"type"`
	UserID  string         `json:"user_id"`
	MatchID string         `json:"match_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

type Sink interface {
	Emit(ctx context.Context, e Event)
}

// EmitAll sends one event per user.
func EmitAll(ctx context.Context, s Sink, typ, matchID string, users []string, payload map[string]any) {
	if s == nil {
		return
	}
	now := time.Now().UTC()
	for _, u := range users {
		s.Emit(ctx, Event{Type: typ, UserID: u, MatchID: matchID, Payload: payload, At: now})
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Log writes events to the service logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Emit(_ context.Context, e Event) {
	l.Logger.Info("event",
		zap.String("type", e.Type),
		zap.String("user_id", e.UserID),
		zap.String("match_id", e.MatchID),
	)
}

// Redis publishes events for the WebSocket layer and any other subscriber.
type Redis struct {
	client  *redis.Client
	log     *zap.Logger
	timeout time.Duration
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: log.Named("notify"), timeout: 2 * time.Second}
}

func (r *Redis) Emit(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		r.log.Warn("marshal event", zap.String("type", e.Type), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	n, err := r.client.Publish(ctx, Channel, b).Result()
	if err != nil {
		r.log.Warn("publish event failed", zap.String("type", e.Type), zap.String("user_id", e.UserID), zap.Error(err))
		return
	}
	r.log.Debug("published event", zap.String("type", e.Type), zap.String("user_id", e.UserID), zap.Int64("subscribers", n))
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Recorder keeps events in memory. Used by tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of typ were recorded.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
