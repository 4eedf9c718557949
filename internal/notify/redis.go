package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"callsync/internal/calls"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "call.changed"

// RedisPublisher publishes snapshot changes on a Redis Pub/Sub channel.
// Consumers (UI fan-out, automations) subscribe to a single channel and
// filter by change type.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

type changeMessage struct {
	Type     ChangeType         `json:"type"`
	Snapshot calls.CallSnapshot `json:"snapshot"`
}

func (p *RedisPublisher) Publish(ctx context.Context, change ChangeType, snap calls.CallSnapshot) error {
	body, err := json.Marshal(changeMessage{Type: change, Snapshot: snap})
	if err != nil {
		return fmt.Errorf("notify: marshal change: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}
