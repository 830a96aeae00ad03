// Package eventbus publishes the one cross-node signal the session core
// emits: an ownership-release handoff, so another node backing the same
// user (behind a load balancer doing sticky-by-user routing) can observe
// that a resource changed hands. This is strictly one-way and best-effort
// — the core never subscribes to its own stream, and a publish failure
// never blocks or fails the triggering request.
//
// Grounded on the teacher's redis.NewClient wrapper in
// utils/redis/redis_client.go and the XAdd publish call in
// service/operator/listener_service/listener_service.go, adapted from a
// protobuf/grpc operator-message stream to a JSON SessionEvent stream.
package eventbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType enumerates the cross-node events the bus carries. Today there
// is exactly one; the enum leaves room for the core to grow more without
// reshaping the stream.
type EventType string

const EventOwnershipReleased EventType = "OWNERSHIP_RELEASED"

// SessionEvent is the payload written to the stream.
type SessionEvent struct {
	UserID      string    `json:"userId"`
	Type        EventType `json:"type"`
	PackageName string    `json:"packageName"`
	ResourceID  string    `json:"resourceId,omitempty"`
	ToPackage   string    `json:"toPackage,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher is the narrow surface Session depends on.
type Publisher interface {
	Publish(ctx context.Context, evt SessionEvent) error
}

// streamName follows the teacher's "{app}:{purpose}" key convention so the
// stream hashes to one Redis Cluster slot.
const streamName = "{glasses-os}:{session-events}:ownership"

// Config holds Redis connection configuration.
type Config struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLSEnabled bool
}

// RedisPublisher publishes SessionEvents onto a Redis stream via XADD.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection with a
// PING before returning.
func NewRedisPublisher(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("eventbus: ping redis: %w", err)
	}

	logger.Info("eventbus connected to redis", "address", opts.Addr, "db", cfg.DB)
	return &RedisPublisher{client: client, logger: logger}, nil
}

// Publish XADDs evt onto the ownership-release stream.
func (p *RedisPublisher) Publish(ctx context.Context, evt SessionEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: map[string]interface{}{"event": string(b)},
	}).Err()
	if err != nil {
		return fmt.Errorf("eventbus: xadd: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NoopPublisher discards every event, used when no Redis is configured —
// a standalone deployment with one node per user shard never needs the
// cross-node signal at all.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, SessionEvent) error { return nil }
