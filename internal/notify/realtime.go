package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes realtime notification payloads to per-user
// channels. The room key is the user id: channel "user:<id>".
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster connects to redis and verifies the connection.
func NewRedisBroadcaster(redisURL string) (*RedisBroadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBroadcaster{client: client}, nil
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, userID int64, eventName string, payload map[string]any) error {
	msg, err := json.Marshal(map[string]any{
		"event":   eventName,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	return b.client.Publish(ctx, fmt.Sprintf("user:%d", userID), msg).Err()
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
