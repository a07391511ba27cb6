package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/voicelease/api"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "voicelease:events"

// RedisSink publishes events on a pub/sub channel and keeps the latest
// event of each user under voicelease:last:<user> so a reconnecting page
// can catch up.
type RedisSink struct {
	client  *redis.Client
	channel string
	lastTTL time.Duration
}

// NewRedisSink connects using a redis:// URL.
func NewRedisSink(ctx context.Context, url, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: ping redis: %w", err)
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel, lastTTL: 15 * time.Minute}, nil
}

func lastEventKey(userID string) string {
	return "voicelease:last:" + userID
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.channel, data)
	if ev.UserID != "" {
		pipe.Set(ctx, lastEventKey(ev.UserID), data, s.lastTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// LastEvent returns the most recent event recorded for userID.
func (s *RedisSink) LastEvent(ctx context.Context, userID string) (api.Event, bool, error) {
	data, err := s.client.Get(ctx, lastEventKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.Event{}, false, nil
	}
	if err != nil {
		return api.Event{}, false, err
	}
	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return api.Event{}, false, err
	}
	return ev, true, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
