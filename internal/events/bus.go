package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published over the session lifecycle stream.
const (
	TypeSessionStarted   = "session_started"
	TypeSessionCompleted = "session_completed"
	TypeSessionFailed    = "session_failed"
)

const stream = "outpost:sessions"

// SessionEvent is one lifecycle notification for a session.
type SessionEvent struct {
	SessionID     string    `json:"session_id"`
	Type          string    `json:"type"`
	Mode          string    `json:"mode,omitempty"`
	Capability    string    `json:"capability,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Iterations    int       `json:"iterations,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Bus publishes session lifecycle events to a Redis stream so host-side
// tooling can observe delegated work. The server runs without it when Redis
// is unavailable.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus connects to Redis and verifies reachability.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Publish appends one event to the session stream.
func (b *Bus) Publish(ctx context.Context, ev SessionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	b.logger.Debug("published event",
		zap.String("session", ev.SessionID),
		zap.String("type", ev.Type))
	return nil
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
