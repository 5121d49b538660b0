// internal/websocket/relay.go
package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay fans broadcasts out to every hub instance subscribed to the same
// channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

func (r *RedisRelay) Publish(ctx context.Context, msg *BroadcastMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Run feeds relayed broadcasts into hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decodeBroadcast([]byte(m.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed relay payload", zap.Error(err))
				continue
			}
			hub.Deliver(msg)
		}
	}
}

func decodeBroadcast(payload []byte) (*BroadcastMessage, error) {
	var msg BroadcastMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if msg.Message == nil || msg.Message.Type == "" {
		return nil, fmt.Errorf("relay payload without message")
	}
	return &msg, nil
}
