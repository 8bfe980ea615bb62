package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"huddle/api/internal/metrics"
)

// Event names shared by publishers and clients.
const (
	EventMessage            = "message"
	EventRead               = "read"
	EventTyping             = "typing"
	EventPresence           = "presence"
	EventCallIncoming       = "call:incoming"
	EventCallAccepted       = "call:accepted"
	EventCallAnsweredElse   = "call:answered-elsewhere"
	EventCallDeclined       = "call:declined"
	EventCallCancelled      = "call:cancelled"
	EventCallEnded          = "call:ended"
	EventCallHandoff        = "call:handoff"
	EventPaymentModeChanged = "settings:payment-mode"
)

var ErrInvalidChannel = errors.New("realtime: unknown channel")

// Envelope is the unit published between instances.
type Envelope struct {
	Channel       string          `json:"channel"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
	ExcludeSocket string          `json:"excludeSocket,omitempty"`
	SentAt        time.Time       `json:"sentAt"`
}

// Publisher is what the rest of the API uses to emit events.
type Publisher interface {
	Trigger(ctx context.Context, channel, event string, data any, excludeSocket string) error
}

type Broadcaster struct {
	client redis.UniversalClient
	prefix string
}

func NewBroadcaster(client redis.UniversalClient, prefix string) *Broadcaster {
	if prefix == "" {
		prefix = "rt:"
	}
	return &Broadcaster{client: client, prefix: prefix}
}

// Trigger publishes event on channel. Delivery is best effort; an error
// means no instance received it.
func (b *Broadcaster) Trigger(ctx context.Context, channel, event string, data any, excludeSocket string) error {
	if kind, _ := ParseChannel(channel); kind == ChannelUnknown {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Envelope{
		Channel:       channel,
		Event:         event,
		Data:          payload,
		ExcludeSocket: excludeSocket,
		SentAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, b.prefix+channel, raw).Err(); err != nil {
		metrics.RealtimeEvents.WithLabelValues(event, "error").Inc()
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	metrics.RealtimeEvents.WithLabelValues(event, "ok").Inc()
	return nil
}
