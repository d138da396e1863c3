// Package events carries annotation write notifications from the annotation
// service to index-on-write consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hypothesis/h-sub003/internal/logger"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Event announces a committed annotation write. Annotation is the rendered
// annotation at publish time and may be nil; consumers that need current
// state reload it.
type Event struct {
	Action       Action         `json:"action"`
	AnnotationID string         `json:"annotation_id"`
	Annotation   map[string]any `json:"annotation,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Handler func(ctx context.Context, ev Event) error

var ErrBusClosed = errors.New("event bus closed")

// RedisBus fans events out over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// NewRedisBus connects to redisURL and checks the connection.
func NewRedisBus(redisURL, channel string, log *logger.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBusWithClient(client, channel, log), nil
}

func NewRedisBusWithClient(client *redis.Client, channel string, log *logger.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		log:     log.With("component", "events", "channel", channel),
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if !ev.Action.Valid() {
		return fmt.Errorf("publish event: unknown action %q", ev.Action)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers events to handler until ctx is cancelled. Malformed
// payloads and handler failures are logged and skipped. It returns nil when
// ctx ends and ErrBusClosed if the connection goes away.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return ErrBusClosed
			}
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				b.log.Warn("bad event payload", "error", err)
				continue
			}
			if err := handler(ctx, ev); err != nil {
				b.log.Error("event handler failed", "action", ev.Action, "annotation", ev.AnnotationID, "error", err)
			}
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
