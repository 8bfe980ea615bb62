package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"huddle/api/internal/logging"
)

// Relay pattern-subscribes to every realtime channel in Redis and feeds the
// local hub. It is meant to run under a supervisor, which restarts Serve
// when the subscription breaks.
type Relay struct {
	client redis.UniversalClient
	prefix string
	hub    *Hub

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRelay(client redis.UniversalClient, prefix string, hub *Hub) *Relay {
	if prefix == "" {
		prefix = "rt:"
	}
	return &Relay{client: client, prefix: prefix, hub: hub, ready: make(chan struct{})}
}

// Ready is closed once the first subscription is confirmed by Redis.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

func (r *Relay) String() string {
	return "realtime-relay"
}

func (r *Relay) Serve(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("confirm realtime subscription: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	logging.Info().Str("pattern", r.prefix+"*").Msg("realtime relay subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("realtime subscription closed")
			}
			r.dispatch(msg)
		}
	}
}

func (r *Relay) dispatch(msg *redis.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		logging.Warn().Err(err).Str("redis_channel", msg.Channel).Msg("discarding malformed realtime envelope")
		return
	}
	if env.Channel == "" {
		env.Channel = strings.TrimPrefix(msg.Channel, r.prefix)
	}
	r.hub.Deliver(env)
}
