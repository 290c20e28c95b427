package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGateway publishes messages via Redis pub/sub. Each session channel maps
// to a Redis channel, letting any number of frontend processes subscribe
// without the runtime tracking connections.
type RedisGateway struct {
	client *redis.Client
	prefix string
}

// RedisGatewayOption configures a RedisGateway.
type RedisGatewayOption func(*RedisGateway)

// WithChannelPrefix sets the Redis channel prefix. Default is "voicecall".
func WithChannelPrefix(prefix string) RedisGatewayOption {
	return func(g *RedisGateway) {
		g.prefix = prefix
	}
}

// NewRedisGateway creates a Redis pub/sub backed gateway.
func NewRedisGateway(client *redis.Client, opts ...RedisGatewayOption) *RedisGateway {
	g := &RedisGateway{
		client: client,
		prefix: "voicecall",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Publish marshals msg to JSON and publishes it to the channel.
func (g *RedisGateway) Publish(ctx context.Context, channel string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}

	if err := g.client.Publish(ctx, g.prefix+":"+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}
