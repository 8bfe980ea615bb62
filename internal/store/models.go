package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

type Conversation struct {
	ID            string
	Kind          string
	Title         string
	CreatedBy     string
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

// ConversationSummary is a conversation as seen by one member.
type ConversationSummary struct {
	Conversation
	MemberIDs   []string
	LastReadAt  *time.Time
	UnreadCount int
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
}

// MessageCursor marks a position in a conversation's history. Messages are
// ordered by (CreatedAt, ID), so messages sharing a timestamp page cleanly.
// An empty ID matches every message at CreatedAt.
type MessageCursor struct {
	CreatedAt time.Time
	ID        string
}

// Precedes reports whether m sorts strictly before the cursor.
func (c MessageCursor) Precedes(m Message) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.Before(c.CreatedAt)
	}
	return m.ID < c.ID
}

type PushSubscription struct {
	Endpoint  string
	UserID    string
	P256dh    string
	Auth      string
	UserAgent string
	CreatedAt time.Time
}

const (
	CallOutcomeCompleted = "completed"
	CallOutcomeMissed    = "missed"
	CallOutcomeDeclined  = "declined"
)

type CallLog struct {
	ID              int64
	CallID          string
	ConversationID  string
	CallerID        string
	CalleeID        string
	Media           string
	Outcome         string
	StartedAt       *time.Time
	EndedAt         time.Time
	DurationSeconds int
}
