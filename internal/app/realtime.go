package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"huddle/api/internal/auth"
	"huddle/api/internal/presence"
	"huddle/api/internal/realtime"
)

// RealtimeCallbacks lets the websocket gateway authenticate, authorize and
// forward client frames through the Service.
type RealtimeCallbacks struct {
	service *Service
}

func NewRealtimeCallbacks(service *Service) *RealtimeCallbacks {
	return &RealtimeCallbacks{service: service}
}

// Authenticate accepts the token query parameter, since browsers cannot set
// headers on a websocket upgrade, or a bearer header.
func (c *RealtimeCallbacks) Authenticate(r *http.Request) (realtime.Principal, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return realtime.Principal{}, auth.ErrInvalidToken
	}
	session, err := c.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return realtime.Principal{}, err
	}
	return realtime.Principal{
		UserID:    session.UserID,
		Name:      session.UserName,
		Role:      session.Role,
		TokenID:   session.JTI,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Revalidate runs before every client frame so a socket does not outlive a
// logout or the access token it was opened with.
func (c *RealtimeCallbacks) Revalidate(ctx context.Context, p realtime.Principal) error {
	if !p.ExpiresAt.IsZero() && !c.service.now().Before(p.ExpiresAt) {
		return auth.ErrExpiredToken
	}
	if p.TokenID == "" {
		return nil
	}
	revoked, err := c.service.sessions.IsAccessTokenRevoked(ctx, p.TokenID)
	if err != nil {
		return err
	}
	if revoked {
		return auth.ErrInvalidToken
	}
	return nil
}

// AuthorizeChannel allows a user's own channel, conversations they belong to
// and the broadcast channel.
func (c *RealtimeCallbacks) AuthorizeChannel(ctx context.Context, p realtime.Principal, channel string) error {
	kind, id := realtime.ParseChannel(channel)
	switch kind {
	case realtime.ChannelBroadcast:
		return nil
	case realtime.ChannelUser:
		if id == p.UserID {
			return nil
		}
	case realtime.ChannelConversation:
		ok, err := c.service.store.IsMember(ctx, id, p.UserID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if ok {
			return nil
		}
	}
	return realtime.ErrForbiddenChannel
}

func (c *RealtimeCallbacks) Typing(ctx context.Context, p realtime.Principal, socketID, conversationID string, typing bool) error {
	return c.service.SetTyping(ctx, principalSession(p), conversationID, socketID, typing)
}

// Heartbeat keeps whatever status the user last chose.
func (c *RealtimeCallbacks) Heartbeat(ctx context.Context, p realtime.Principal, deviceID string) error {
	status := presence.StatusOnline
	current, err := c.service.presence.Get(ctx, p.UserID)
	if err != nil {
		return err
	}
	if current.Online && current.Status != "" {
		status = current.Status
	}
	_, err = c.service.Heartbeat(ctx, principalSession(p), deviceID, status)
	return err
}

func principalSession(p realtime.Principal) Session {
	return Session{UserID: p.UserID, UserName: p.Name, Role: p.Role}
}
