package app

import (
	"context"

	"huddle/api/internal/logging"
	"huddle/api/internal/presence"
	"huddle/api/internal/realtime"
)

const maxPresenceLookup = 200

// Heartbeat refreshes the caller's presence and announces the transition
// when they come online or change status.
func (s *Service) Heartbeat(ctx context.Context, session Session, deviceID, status string) (presence.Status, error) {
	cameOnline, err := s.presence.Heartbeat(ctx, session.UserID, deviceID, status)
	if err != nil {
		return presence.Status{}, err
	}
	current, err := s.presence.Get(ctx, session.UserID)
	if err != nil {
		return presence.Status{}, err
	}
	if cameOnline {
		s.broadcastPresence(ctx, current)
	}
	return current, nil
}

// ClearPresence marks the caller offline immediately.
func (s *Service) ClearPresence(ctx context.Context, session Session) (presence.Status, error) {
	wasOnline, err := s.presence.Clear(ctx, session.UserID)
	if err != nil {
		return presence.Status{}, err
	}
	current, err := s.presence.Get(ctx, session.UserID)
	if err != nil {
		return presence.Status{}, err
	}
	if wasOnline {
		s.broadcastPresence(ctx, current)
	}
	return current, nil
}

// GetPresence reports presence for the requested users the caller shares a
// conversation with. Anyone else is left out of the result.
func (s *Service) GetPresence(ctx context.Context, session Session, userIDs []string) ([]presence.Status, error) {
	if len(userIDs) == 0 {
		return []presence.Status{}, nil
	}
	if len(userIDs) > maxPresenceLookup {
		return nil, validationError("Too many user ids", map[string]string{"userIds": "at most 200"})
	}
	contacts, err := s.store.ListContactIDs(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	visible := make(map[string]bool, len(contacts)+1)
	visible[session.UserID] = true
	for _, id := range contacts {
		visible[id] = true
	}

	allowed := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if visible[id] {
			allowed = append(allowed, id)
		}
	}
	if len(allowed) == 0 {
		return []presence.Status{}, nil
	}
	return s.presence.GetMany(ctx, allowed)
}

// broadcastPresence tells every conversation the user belongs to.
func (s *Service) broadcastPresence(ctx context.Context, status presence.Status) {
	ids, err := s.store.ListConversationIDs(ctx, status.UserID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", status.UserID).Msg("list conversations for presence failed")
		return
	}
	for _, id := range ids {
		s.trigger(ctx, realtime.ConversationChannel(id), realtime.EventPresence, status, "")
	}
}
