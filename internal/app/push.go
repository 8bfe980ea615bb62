package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"huddle/api/internal/store"
)

type PushSubscriptionInput struct {
	Endpoint string `json:"endpoint" validate:"required,url,max=2048"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

func (s *Service) VAPIDKey() (bool, string) {
	if s.push == nil || !s.push.Enabled() {
		return false, ""
	}
	return true, s.push.PublicKey()
}

func (s *Service) SubscribePush(ctx context.Context, session Session, input PushSubscriptionInput, userAgent string) error {
	if s.push == nil || !s.push.Enabled() {
		return errPushDisabled
	}
	return s.push.Subscribe(ctx, store.PushSubscription{
		Endpoint:  strings.TrimSpace(input.Endpoint),
		UserID:    session.UserID,
		P256dh:    strings.TrimSpace(input.Keys.P256dh),
		Auth:      strings.TrimSpace(input.Keys.Auth),
		UserAgent: truncate(userAgent, 256),
	})
}

func (s *Service) UnsubscribePush(ctx context.Context, session Session, endpoint string) error {
	if s.push == nil {
		return nil
	}
	return s.push.Unsubscribe(ctx, session.UserID, strings.TrimSpace(endpoint))
}

// truncate caps s at max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
