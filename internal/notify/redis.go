package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Notification is published on every pipeline state change.
type Notification struct {
	JobID    string `json:"job_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Notifier publishes job status notifications.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}

// Nop discards notifications. It is used when no Redis is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Notification) error { return nil }

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes notifications on a pub/sub channel.
type Redis struct {
	client  publisher
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, n Notification) error {
	output, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, output).Err()
}
