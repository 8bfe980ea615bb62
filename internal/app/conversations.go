package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"huddle/api/internal/logging"
	"huddle/api/internal/push"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

const (
	maxMessageLength = 4000
	maxGroupMembers  = 50
)

type ConversationView struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Title         string     `json:"title"`
	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
	MemberIDs     []string   `json:"memberIds"`
	LastReadAt    *time.Time `json:"lastReadAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
	Channel       string     `json:"channel"`
}

type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

type CreateConversationInput struct {
	Kind      string   `json:"kind" validate:"required,oneof=direct group"`
	PeerID    string   `json:"peerId"`
	Title     string   `json:"title" validate:"max=120"`
	MemberIDs []string `json:"memberIds" validate:"max=50"`
}

func conversationView(c store.Conversation, memberIDs []string) ConversationView {
	if memberIDs == nil {
		memberIDs = []string{}
	}
	return ConversationView{
		ID:            c.ID,
		Kind:          c.Kind,
		Title:         c.Title,
		CreatedBy:     c.CreatedBy,
		CreatedAt:     c.CreatedAt,
		LastMessageAt: c.LastMessageAt,
		MemberIDs:     memberIDs,
		Channel:       realtime.ConversationChannel(c.ID),
	}
}

func messageView(m store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}

func (s *Service) ListConversations(ctx context.Context, session Session) ([]ConversationView, error) {
	items, err := s.store.ListConversations(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]ConversationView, 0, len(items))
	for _, item := range items {
		view := conversationView(item.Conversation, item.MemberIDs)
		view.LastReadAt = item.LastReadAt
		view.UnreadCount = item.UnreadCount
		views = append(views, view)
	}
	return views, nil
}

// CreateConversation opens a direct conversation (reusing an existing one
// for the same pair) or creates a group owned by the caller.
func (s *Service) CreateConversation(ctx context.Context, session Session, input CreateConversationInput) (ConversationView, bool, error) {
	switch input.Kind {
	case store.ConversationDirect:
		peerID := strings.TrimSpace(input.PeerID)
		if peerID == session.UserID {
			return ConversationView{}, false, validationError("Cannot start a conversation with yourself", map[string]string{"peerId": "must be another user"})
		}
		if err := s.requireUser(ctx, peerID, "peerId"); err != nil {
			return ConversationView{}, false, err
		}
		conv, created, err := s.store.FindOrCreateDirect(ctx, session.UserID, peerID)
		if err != nil {
			return ConversationView{}, false, err
		}
		return conversationView(conv, []string{session.UserID, peerID}), created, nil

	case store.ConversationGroup:
		title := strings.TrimSpace(input.Title)
		if title == "" {
			return ConversationView{}, false, validationError("Groups need a title", map[string]string{"title": "is required"})
		}
		members := uniqueMembers(session.UserID, input.MemberIDs)
		if len(members) == 0 {
			return ConversationView{}, false, validationError("Groups need at least one other member", map[string]string{"memberIds": "is required"})
		}
		if len(members)+1 > maxGroupMembers {
			return ConversationView{}, false, validationError("Too many members", map[string]string{"memberIds": fmt.Sprintf("at most %d", maxGroupMembers-1)})
		}
		for _, id := range members {
			if err := s.requireUser(ctx, id, "memberIds"); err != nil {
				return ConversationView{}, false, err
			}
		}
		conv, err := s.store.CreateGroup(ctx, title, session.UserID, members)
		if err != nil {
			return ConversationView{}, false, err
		}
		return conversationView(conv, append([]string{session.UserID}, members...)), true, nil
	}
	return ConversationView{}, false, validationError("kind must be direct or group", map[string]string{"kind": "must be direct or group"})
}

func (s *Service) requireUser(ctx context.Context, userID, field string) error {
	if userID == "" {
		return validationError("Unknown user", map[string]string{field: "is required"})
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return validationError("Unknown user", map[string]string{field: "unknown user " + userID})
		}
		return err
	}
	return nil
}

func uniqueMembers(owner string, ids []string) []string {
	seen := map[string]struct{}{owner: {}}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Service) GetConversation(ctx context.Context, session Session, conversationID string) (ConversationView, error) {
	if err := s.requireMember(ctx, conversationID, session.UserID); err != nil {
		return ConversationView{}, err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	members, err := s.store.ListMemberIDs(ctx, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	return conversationView(conv, members), nil
}

func (s *Service) ListMessages(ctx context.Context, session Session, conversationID string, before *store.MessageCursor, limit int) ([]MessageView, error) {
	if err := s.requireMember(ctx, conversationID, session.UserID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView(m))
	}
	return views, nil
}

// SendMessage stores a message, fans it out to the conversation except the
// sending socket, and notifies members who are offline.
func (s *Service) SendMessage(ctx context.Context, session Session, conversationID, body, socketID string) (MessageView, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return MessageView{}, validationError("Message body is required", map[string]string{"body": "is required"})
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return MessageView{}, validationError("Message is too long", map[string]string{"body": fmt.Sprintf("must be at most %d characters", maxMessageLength)})
	}
	if err := s.requireMember(ctx, conversationID, session.UserID); err != nil {
		return MessageView{}, err
	}

	msg, err := s.store.InsertMessage(ctx, store.Message{
		ConversationID: conversationID,
		SenderID:       session.UserID,
		Body:           body,
	})
	if err != nil {
		return MessageView{}, err
	}
	view := messageView(msg)

	s.trigger(ctx, realtime.ConversationChannel(conversationID), realtime.EventMessage, view, socketID)

	if s.typing != nil {
		if err := s.typing.Clear(ctx, conversationID, session.UserID); err != nil {
			logging.Ctx(ctx).Debug().Err(err).Msg("clear typing after send failed")
		}
	}
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Body:           msg.Body,
			CreatedAt:      msg.CreatedAt.UnixMilli(),
		})
	}

	bg := context.WithoutCancel(ctx)
	s.background(func() { s.notifyOfflineMembers(bg, session, msg) })
	return view, nil
}

func (s *Service) notifyOfflineMembers(ctx context.Context, sender Session, msg store.Message) {
	if s.push == nil || !s.push.Enabled() {
		return
	}
	members, err := s.store.ListMemberIDs(ctx, msg.ConversationID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("list members for push failed")
		return
	}
	others := make([]string, 0, len(members))
	for _, id := range members {
		if id != sender.UserID {
			others = append(others, id)
		}
	}
	online, err := s.presence.OnlineSet(ctx, others)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("presence lookup for push failed")
		return
	}

	note := push.Notification{
		Title: sender.UserName,
		Body:  preview(msg.Body, 120),
		URL:   "/conversations/" + msg.ConversationID,
		Tag:   "conversation-" + msg.ConversationID,
		Data:  map[string]any{"conversationId": msg.ConversationID, "messageId": msg.ID},
	}
	for _, id := range others {
		if online[id] {
			continue
		}
		if _, err := s.push.NotifyUser(ctx, id, note); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("user_id", id).Msg("message push failed")
		}
	}
}

func preview(body string, max int) string {
	if utf8.RuneCountInString(body) <= max {
		return body
	}
	runes := []rune(body)
	return string(runes[:max-1]) + "…"
}

func (s *Service) MarkRead(ctx context.Context, session Session, conversationID string) (ReadReceipt, error) {
	if err := s.requireMember(ctx, conversationID, session.UserID); err != nil {
		return ReadReceipt{}, err
	}
	receipt := ReadReceipt{ConversationID: conversationID, UserID: session.UserID, ReadAt: s.now().UTC()}
	if err := s.store.MarkRead(ctx, conversationID, session.UserID, receipt.ReadAt); err != nil {
		return ReadReceipt{}, err
	}
	s.trigger(ctx, realtime.ConversationChannel(conversationID), realtime.EventRead, receipt, "")
	return receipt, nil
}

func (s *Service) SetTyping(ctx context.Context, session Session, conversationID, socketID string, typing bool) error {
	if err := s.requireMember(ctx, conversationID, session.UserID); err != nil {
		return err
	}
	return s.typing.Set(ctx, conversationID, session.UserID, socketID, typing)
}

func (s *Service) Typers(ctx context.Context, session Session, conversationID string) ([]string, error) {
	if err := s.requireMember(ctx, conversationID, session.UserID); err != nil {
		return nil, err
	}
	typers, err := s.typing.Typers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(typers))
	for _, id := range typers {
		if id != session.UserID {
			out = append(out, id)
		}
	}
	return out, nil
}

// SearchMessages searches the caller's conversations, or just one of them
// when conversationID is set.
func (s *Service) SearchMessages(ctx context.Context, session Session, text, conversationID string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, validationError("Search query is required", map[string]string{"q": "is required"})
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	var scope []string
	if conversationID != "" {
		if err := s.requireMember(ctx, conversationID, session.UserID); err != nil {
			return search.Response{}, err
		}
		scope = []string{conversationID}
	} else {
		ids, err := s.store.ListConversationIDs(ctx, session.UserID)
		if err != nil {
			return search.Response{}, err
		}
		scope = ids
	}

	return s.search.Search(ctx, search.Query{
		Text:            text,
		ConversationIDs: scope,
		Limit:           limit,
		Offset:          offset,
	}), nil
}
