package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis publishes each message with PUBLISH on prefix+channel. Redis
// delivers messages on one pub/sub channel in order.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "tollgate:channel:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Topic is the Redis pub/sub channel carrying channelName.
func (r *Redis) Topic(channelName string) string {
	return r.prefix + channelName
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Topic(msg.Channel), raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
