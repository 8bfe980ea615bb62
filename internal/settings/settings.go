// Package settings holds deployment-wide switches kept in Redis.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"huddle/api/internal/logging"
	"huddle/api/internal/realtime"
)

const (
	ModeLive    = "live"
	ModeSandbox = "sandbox"

	paymentModeKey = "settings:payment_mode"
)

var ErrInvalidMode = errors.New("settings: payment mode must be live or sandbox")

type PaymentModeChange struct {
	Mode      string    `json:"mode"`
	ChangedBy string    `json:"changedBy"`
	ChangedAt time.Time `json:"changedAt"`
}

type Store struct {
	client    redis.Cmdable
	publisher realtime.Publisher
}

func NewStore(client redis.Cmdable, publisher realtime.Publisher) *Store {
	return &Store{client: client, publisher: publisher}
}

// PaymentMode returns the current mode, sandbox when unset.
func (s *Store) PaymentMode(ctx context.Context) (string, error) {
	mode, err := s.client.Get(ctx, paymentModeKey).Result()
	if errors.Is(err, redis.Nil) {
		return ModeSandbox, nil
	}
	if err != nil {
		return "", fmt.Errorf("get payment mode: %w", err)
	}
	if mode != ModeLive {
		return ModeSandbox, nil
	}
	return mode, nil
}

// SetPaymentMode stores mode and announces it on the broadcast channel.
func (s *Store) SetPaymentMode(ctx context.Context, mode, changedBy string) (PaymentModeChange, error) {
	if mode != ModeLive && mode != ModeSandbox {
		return PaymentModeChange{}, ErrInvalidMode
	}
	if err := s.client.Set(ctx, paymentModeKey, mode, 0).Err(); err != nil {
		return PaymentModeChange{}, fmt.Errorf("set payment mode: %w", err)
	}

	change := PaymentModeChange{Mode: mode, ChangedBy: changedBy, ChangedAt: time.Now().UTC()}
	if s.publisher != nil {
		if err := s.publisher.Trigger(ctx, realtime.BroadcastChannel, realtime.EventPaymentModeChanged, change, ""); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("mode", mode).Msg("payment mode broadcast failed")
		}
	}
	return change, nil
}
