package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"huddle/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, display_name, email, password_hash, role, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified,
		&user.VerificationToken, &user.VerificationExpiresAt, &user.CreatedAt, &user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	if user.Role == "" {
		user.Role = "member"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING `+userColumns,
		user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified,
		user.VerificationToken, user.VerificationExpiresAt,
	)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, strings.TrimSpace(email)))
}

func (s *PostgresStore) GetUserByVerificationToken(ctx context.Context, token string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE verification_token=$1`, token))
}

func (s *PostgresStore) MarkEmailVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) SetVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return requireAffected(res)
}

// DirectKey is the order-independent identity of a two-person conversation.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// FindOrCreateDirect returns the direct conversation between two users,
// creating it on first use.
func (s *PostgresStore) FindOrCreateDirect(ctx context.Context, userID, peerID string) (Conversation, bool, error) {
	key := DirectKey(userID, peerID)
	conv, err := s.getConversationWhere(ctx, `direct_key=$1`, key)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, err
	}

	conv, err = s.createConversation(ctx, ConversationDirect, "", userID, []string{peerID}, key)
	if isUniqueViolation(err) {
		// Lost a race with the peer creating the same pair.
		conv, err = s.getConversationWhere(ctx, `direct_key=$1`, key)
		return conv, false, err
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, title, createdBy string, memberIDs []string) (Conversation, error) {
	return s.createConversation(ctx, ConversationGroup, title, createdBy, memberIDs, "")
}

func (s *PostgresStore) createConversation(ctx context.Context, kind, title, createdBy string, memberIDs []string, directKey string) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin conversation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv := Conversation{ID: util.NewID("conv"), Kind: kind, Title: title, CreatedBy: createdBy}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, kind, title, direct_key, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING created_at
	`, conv.ID, kind, title, directKey, createdBy).Scan(&conv.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, role) VALUES ($1, $2, 'owner')
	`, conv.ID, createdBy); err != nil {
		return Conversation{}, fmt.Errorf("insert owner: %w", err)
	}
	for _, memberID := range memberIDs {
		if memberID == createdBy {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role) VALUES ($1, $2, 'member')
			ON CONFLICT DO NOTHING
		`, conv.ID, memberID); err != nil {
			return Conversation{}, fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return s.getConversationWhere(ctx, `id=$1`, conversationID)
}

func (s *PostgresStore) getConversationWhere(ctx context.Context, where string, arg any) (Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, created_by, created_at, last_message_at
		FROM conversations WHERE `+where, arg).Scan(
		&conv.ID, &conv.Kind, &conv.Title, &conv.CreatedBy, &conv.CreatedAt, &conv.LastMessageAt,
	)
	return conv, err
}

func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id=$1 AND user_id=$2)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT user_id FROM conversation_members WHERE conversation_id=$1 ORDER BY joined_at, user_id
	`, conversationID)
}

func (s *PostgresStore) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT conversation_id FROM conversation_members WHERE user_id=$1 ORDER BY conversation_id
	`, userID)
}

// ListContactIDs returns every user who shares at least one conversation
// with userID, userID included.
func (s *PostgresStore) ListContactIDs(ctx context.Context, userID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT DISTINCT other.user_id
		FROM conversation_members me
		JOIN conversation_members other ON other.conversation_id = me.conversation_id
		WHERE me.user_id=$1
		ORDER BY other.user_id
	`, userID)
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.title, c.created_by, c.created_at, c.last_message_at, me.last_read_at,
			(SELECT count(*) FROM messages m
				WHERE m.conversation_id = c.id
					AND m.sender_id <> $1
					AND (me.last_read_at IS NULL OR m.created_at > me.last_read_at)) AS unread,
			ARRAY(SELECT cm.user_id FROM conversation_members cm WHERE cm.conversation_id = c.id ORDER BY cm.user_id)::text
		FROM conversations c
		JOIN conversation_members me ON me.conversation_id = c.id AND me.user_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationSummary, 0)
	for rows.Next() {
		var item ConversationSummary
		var members string
		if err := rows.Scan(
			&item.ID, &item.Kind, &item.Title, &item.CreatedBy, &item.CreatedAt, &item.LastMessageAt,
			&item.LastReadAt, &item.UnreadCount, &members,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		item.MemberIDs = parseTextArray(members)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = util.NewID("msg")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Body).Scan(&msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at=$2 WHERE id=$1
	`, msg.ConversationID, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_members SET last_read_at=$3 WHERE conversation_id=$1 AND user_id=$2
	`, msg.ConversationID, msg.SenderID, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("advance sender read marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages older than before, newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, before *MessageCursor, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var (
		beforeAt *time.Time
		beforeID string
	)
	if before != nil {
		beforeAt, beforeID = &before.CreatedAt, before.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, body, created_at
		FROM messages
		WHERE conversation_id=$1
			AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::text))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, conversationID, beforeAt, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_members
		SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3)
		WHERE conversation_id=$1 AND user_id=$2
	`, conversationID, userID, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) UpsertPushSubscription(ctx context.Context, sub PushSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (endpoint) DO UPDATE
		SET user_id=EXCLUDED.user_id, p256dh=EXCLUDED.p256dh, auth=EXCLUDED.auth, user_agent=EXCLUDED.user_agent
	`, sub.Endpoint, sub.UserID, sub.P256dh, sub.Auth, sub.UserAgent)
	if err != nil {
		return fmt.Errorf("upsert push subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE user_id=$1 AND endpoint=$2`, userID, endpoint); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, user_id, p256dh, auth, user_agent, created_at
		FROM push_subscriptions WHERE user_id=$1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]PushSubscription, 0)
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.UserID, &sub.P256dh, &sub.Auth, &sub.UserAgent, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) InsertCallLog(ctx context.Context, entry CallLog) error {
	var conversationID any
	if entry.ConversationID != "" {
		conversationID = entry.ConversationID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (call_id, conversation_id, caller_id, callee_id, media, outcome, started_at, ended_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.CallID, conversationID, entry.CallerID, entry.CalleeID, entry.Media, entry.Outcome,
		entry.StartedAt, entry.EndedAt, entry.DurationSeconds)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCallLogs(ctx context.Context, userID string, limit int) ([]CallLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, COALESCE(conversation_id, ''), caller_id, callee_id, media, outcome, started_at, ended_at, duration_seconds
		FROM call_logs
		WHERE caller_id=$1 OR callee_id=$1
		ORDER BY ended_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list call logs: %w", err)
	}
	defer rows.Close()

	logs := make([]CallLog, 0)
	for rows.Next() {
		var entry CallLog
		if err := rows.Scan(&entry.ID, &entry.CallID, &entry.ConversationID, &entry.CallerID, &entry.CalleeID,
			&entry.Media, &entry.Outcome, &entry.StartedAt, &entry.EndedAt, &entry.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// parseTextArray decodes the text form of a Postgres text[] of plain ids.
func parseTextArray(raw string) []string {
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "{"), "}")
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	for i, part := range parts {
		parts[i] = strings.Trim(part, `"`)
	}
	return parts
}
