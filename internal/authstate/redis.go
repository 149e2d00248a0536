package authstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgellow/authredirect/internal/log"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "authredirect:auth:"

var _ Broker = (*RedisBroker)(nil)

// RedisBroker delivers events through Redis pub/sub so every instance
// behind a load balancer sees them
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a broker on an existing client. The client is
// shared with storage and is not closed by the broker.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func channel(sessionID string) string {
	return channelPrefix + sessionID
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal auth event: %w", err)
	}
	if err := b.client.Publish(ctx, channel(event.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish auth event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, channel(sessionID))
	// Wait for the subscription to be confirmed so no event published
	// after Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to auth events: %w", err)
	}

	sub := newLatest()
	messages := pubsub.Channel()

	go func() {
		defer sub.close()
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.LogWarnWithFields("authstate", "Dropping malformed auth event", map[string]any{
						"channel": msg.Channel,
						"error":   err.Error(),
					})
					continue
				}
				sub.deliver(event)
			}
		}
	}()

	return sub.ch, nil
}

// Close is a no-op; subscriptions end with their contexts
func (b *RedisBroker) Close() error {
	return nil
}
