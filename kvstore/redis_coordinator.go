package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// wireEvent is the JSON payload published on the pub/sub channel.
type wireEvent struct {
	Kind  EventKind `json:"kind"`
	Key   string    `json:"key"`
	Value []byte    `json:"value,omitempty"`
}

// RedisCoordinator publishes Put/Delete notifications over a Redis
// pub/sub channel per module prefix, grounded on
// db/repository/redis.go's Publish/Subscribe helpers.
type RedisCoordinator struct {
	client *redis.Client
}

func NewRedisCoordinator(addr string) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: redis coordinator connect: %w", err)
	}
	return &RedisCoordinator{client: client}, nil
}

func channelFor(prefix string) string {
	return "obscore:watch:" + prefix
}

func (c *RedisCoordinator) Publish(ctx context.Context, ev Event) error {
	module, _, _ := SplitKey(ev.Key)
	data, err := json.Marshal(wireEvent{Kind: ev.Kind, Key: ev.Key, Value: ev.Value})
	if err != nil {
		return fmt.Errorf("kvstore: marshal event: %w", err)
	}
	return c.client.Publish(ctx, channelFor("/"+module), data).Err()
}

// Watch subscribes to the prefix's channel. Stream
// closure requires the watcher to reconnect and re-bootstrap from
// List; reconnect/backoff mirrors coordinator/coordinator.go's
// connectionLoop and is the caller's responsibility (ClusterRegistry
// and SchemaCache both wrap Watch in a retry loop).
func (c *RedisCoordinator) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	module, _, _ := SplitKey(prefix)
	pubsub := c.client.Subscribe(ctx, channelFor("/"+module))
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("kvstore: subscribe %s: %w", prefix, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var we wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
					continue
				}
				select {
				case out <- Event{Kind: we.Kind, Key: we.Key, Value: we.Value}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *RedisCoordinator) Close() error { return c.client.Close() }
