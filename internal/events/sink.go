// Package events emits domain events to a side channel. Delivery is
// best-effort: a sink failure is logged and never surfaced to the caller,
// so telemetry can never fail a comment or review operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sink receives domain events. Implementations must not block the caller
// for longer than a publish round-trip and must swallow their own errors.
type Sink interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

// LogSink writes events to the process log. Used when Redis is not configured.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, eventType string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: marshal %s: %v", eventType, err)
		return
	}
	log.Printf(`{"event":"%s","payload":%s}`, eventType, encoded)
}

// RedisSink publishes events to a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(redisURL, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSink{client: client, channel: channel}, nil
}

// NewRedisSinkWithClient creates a sink from an existing Redis client.
func NewRedisSinkWithClient(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

type envelope struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

func (s *RedisSink) Emit(ctx context.Context, eventType string, payload map[string]any) {
	encoded, err := json.Marshal(envelope{
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		log.Printf("events: marshal %s: %v", eventType, err)
		return
	}
	if err := s.client.Publish(ctx, s.channel, encoded).Err(); err != nil {
		log.Printf("events: publish %s: %v", eventType, err)
	}
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
