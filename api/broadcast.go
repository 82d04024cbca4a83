package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/syncboard/internal/slogging"
)

// Relay fans room broadcasts out to the other server nodes hosting the
// same diagram. Publish never blocks the room on delivery guarantees;
// Subscribe invokes the handler for every frame published by a DIFFERENT
// node. The returned function cancels the subscription.
type Relay interface {
	Publish(ctx context.Context, diagramID string, data []byte) error
	Subscribe(ctx context.Context, diagramID string, handler func(data []byte)) (func(), error)
}

// relayEnvelope wraps a broadcast frame with its origin node so a
// subscriber can drop its own publications instead of re-delivering them.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

func relayChannel(diagramID string) string {
	return "syncboard:diagram:" + diagramID
}

// RedisRelay distributes room broadcasts over Redis pub/sub, one channel
// per diagram.
type RedisRelay struct {
	client *redis.Client
	origin string
}

// NewRedisRelay connects to Redis and verifies the connection with a ping.
// Each relay instance gets a unique origin tag for echo suppression.
func NewRedisRelay(addr, password string, db int) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisRelay{
		client: client,
		origin: uuid.New().String(),
	}, nil
}

// Publish sends a frame to every node subscribed to the diagram's channel,
// this node included; the origin tag keeps the local subscriber from
// delivering it twice.
func (r *RedisRelay) Publish(ctx context.Context, diagramID string, data []byte) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, relayChannel(diagramID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish relay frame: %w", err)
	}
	return nil
}

// Subscribe starts delivering remote frames for the diagram to handler.
// The handler runs on the subscription goroutine; it must hand frames off
// rather than block.
func (r *RedisRelay) Subscribe(ctx context.Context, diagramID string, handler func(data []byte)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, relayChannel(diagramID))

	// Confirm the subscription before frames start flowing
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slogging.Get().Warn("Dropping malformed relay frame - Diagram: %s, Error: %v", diagramID, err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			handler(env.Data)
		}
	}()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				slogging.Get().Warn("Failed to close relay subscription - Diagram: %s, Error: %v", diagramID, err)
			}
		})
	}
	return unsub, nil
}

// Close releases the underlying Redis client. Outstanding subscriptions
// are closed with it.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
