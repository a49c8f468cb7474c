package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/api"
)

type relayEnvelope struct {
	Origin string        `json:"origin"`
	Event  api.SyncEvent `json:"event"`
}

// RedisRelay shares namespace events between hub processes over a Redis
// pub/sub channel. Each process ignores its own messages.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
}

func NewRedisRelay(client *redis.Client, channel string, hub *Hub) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, origin: uuid.NewString(), hub: hub}
}

// Origin identifies this process on the channel.
func (r *RedisRelay) Origin() string {
	return r.origin
}

func (r *RedisRelay) Publish(ctx context.Context, ev api.SyncEvent) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Run re-injects events from other processes until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close() //nolint:errcheck
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay channel closed")
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "discard malformed relay event"}, log.KV{K: "err", V: err.Error()})
		return
	}
	if env.Origin == r.origin || env.Event.Namespace == "" {
		return
	}
	r.hub.Deliver(ctx, env.Event)
}
