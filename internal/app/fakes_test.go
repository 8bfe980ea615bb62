package app

import (
	"context"
	"database/sql"
	"io"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"huddle/api/internal/authpw"
	"huddle/api/internal/calls"
	"huddle/api/internal/config"
	"huddle/api/internal/logging"
	"huddle/api/internal/presence"
	"huddle/api/internal/push"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/session"
	"huddle/api/internal/settings"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

// fakeStore is an in-memory DataStore and authpw.UserStore. Function fields
// override individual methods.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]store.User
	conversations map[string]store.Conversation
	members       map[string][]string
	messages      []store.Message
	callLogs      []store.CallLog
	readAt        map[string]time.Time

	pingFn          func(context.Context) error
	insertMessageFn func(context.Context, store.Message) (store.Message, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[string]store.User),
		conversations: make(map[string]store.Conversation),
		members:       make(map[string][]string),
		readAt:        make(map[string]time.Time),
	}
}

func (f *fakeStore) addUser(id, name, role string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := store.User{ID: id, DisplayName: name, Email: id + "@example.com", Role: role, IsEmailVerified: true}
	f.users[id] = u
	return u
}

func (f *fakeStore) addConversation(id, kind string, memberIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[id] = store.Conversation{ID: id, Kind: kind, CreatedBy: memberIDs[0], CreatedAt: time.Now()}
	f.members[id] = append([]string(nil), memberIDs...)
}

func (f *fakeStore) addMessage(id, conversationID, senderID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, store.Message{ID: id, ConversationID: conversationID, SenderID: senderID, Body: id, CreatedAt: at})
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == user.Email {
			return store.User{}, store.ErrEmailTaken
		}
	}
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByVerificationToken(_ context.Context, token string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.VerificationToken != "" && u.VerificationToken == token {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) MarkEmailVerified(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.IsEmailVerified = true
	u.VerificationToken = ""
	f.users[userID] = u
	return nil
}

func (f *fakeStore) FindOrCreateDirect(_ context.Context, userID, peerID string) (store.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "dm_" + store.DirectKey(userID, peerID)
	if conv, ok := f.conversations[id]; ok {
		return conv, false, nil
	}
	conv := store.Conversation{ID: id, Kind: store.ConversationDirect, CreatedBy: userID, CreatedAt: time.Now()}
	f.conversations[id] = conv
	f.members[id] = []string{userID, peerID}
	return conv, true, nil
}

func (f *fakeStore) CreateGroup(_ context.Context, title, createdBy string, memberIDs []string) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := store.Conversation{ID: util.NewID("cnv"), Kind: store.ConversationGroup, Title: title, CreatedBy: createdBy, CreatedAt: time.Now()}
	f.conversations[conv.ID] = conv
	f.members[conv.ID] = append([]string{createdBy}, memberIDs...)
	return conv, nil
}

func (f *fakeStore) GetConversation(_ context.Context, conversationID string) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[conversationID]
	if !ok {
		return store.Conversation{}, sql.ErrNoRows
	}
	return conv, nil
}

func (f *fakeStore) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListMemberIDs(_ context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[conversationID]...), nil
}

func (f *fakeStore) ListConversationIDs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for convID, members := range f.members {
		for _, id := range members {
			if id == userID {
				ids = append(ids, convID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) ListContactIDs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	for _, members := range f.members {
		if !slices.Contains(members, userID) {
			continue
		}
		for _, id := range members {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	ids, _ := f.ListConversationIDs(ctx, userID)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ConversationSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.ConversationSummary{Conversation: f.conversations[id], MemberIDs: f.members[id]})
	}
	return out, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = util.NewID("msg")
	msg.CreatedAt = time.Now().UTC()
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID string, before *store.MessageCursor, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.ConversationID != conversationID || (before != nil && !before.Precedes(m)) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkRead(_ context.Context, conversationID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAt[conversationID+"|"+userID] = at
	return nil
}

func (f *fakeStore) InsertCallLog(_ context.Context, entry store.CallLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLogs = append(f.callLogs, entry)
	return nil
}

func (f *fakeStore) ListCallLogs(_ context.Context, userID string, _ int) ([]store.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.CallLog
	for _, entry := range f.callLogs {
		if entry.CallerID == userID || entry.CalleeID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type published struct {
	channel string
	event   string
	data    any
	exclude string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Trigger(_ context.Context, channel, event string, data any, excludeSocket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{channel: channel, event: event, data: data, exclude: excludeSocket})
	return nil
}

func (f *fakePublisher) find(channel, event string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, e := range f.events {
		if e.channel == channel && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakePublisher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	enabled  bool
	notified map[string][]push.Notification
	subs     []store.PushSubscription
}

func (f *fakeNotifier) Enabled() bool     { return f.enabled }
func (f *fakeNotifier) PublicKey() string { return "BPublicKey" }

func (f *fakeNotifier) Subscribe(_ context.Context, sub store.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeNotifier) Unsubscribe(context.Context, string, string) error { return nil }

func (f *fakeNotifier) NotifyUser(_ context.Context, userID string, note push.Notification) (push.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notified == nil {
		f.notified = make(map[string][]push.Notification)
	}
	f.notified[userID] = append(f.notified[userID], note)
	return push.Report{Sent: 1}, nil
}

func (f *fakeNotifier) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified[userID])
}

type missedCallMail struct {
	to, callerName, media, openURL string
}

type fakeMailer struct {
	configured bool
	mu         sync.Mutex
	missed     []missedCallMail
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendVerificationEmail(string, string, string) error { return nil }

func (f *fakeMailer) SendMissedCallEmail(to, _, callerName, media string, _ time.Time, openURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missed = append(f.missed, missedCallMail{to: to, callerName: callerName, media: media, openURL: openURL})
	return nil
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []search.Query
	indexed []search.MessageRecord
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexMessage(record search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

type testEnv struct {
	svc       *Service
	store     *fakeStore
	publisher *fakePublisher
	push      *fakeNotifier
	mailer    *fakeMailer
	search    *fakeSearch
	redis     *miniredis.Miniredis
	client    *redis.Client
	presence  *presence.Store
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.HTTP.PublicURL = "https://huddle.test"
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	fs := newFakeStore()
	pub := &fakePublisher{}
	notifier := &fakeNotifier{enabled: true}
	mailer := &fakeMailer{}
	searcher := &fakeSearch{}
	presenceStore := presence.NewStore(client, cfg.Presence.TTL)

	svc := New(cfg, Deps{
		Store:     fs,
		Sessions:  session.NewRedisStore(client),
		Accounts:  authpw.NewService(fs, mailer, cfg.HTTP.PublicURL+"/verify"),
		Presence:  presenceStore,
		Calls:     calls.NewStore(client, cfg.Calls.RingTimeout, cfg.Calls.MaxDuration),
		Typing:    realtime.NewTyping(client, pub, cfg.Realtime.TypingTTL),
		Publisher: pub,
		Search:    searcher,
		Push:      notifier,
		Mailer:    mailer,
		Settings:  settings.NewStore(client, pub),
	})
	svc.background = func(fn func()) { fn() }

	return &testEnv{
		svc:       svc,
		store:     fs,
		publisher: pub,
		push:      notifier,
		mailer:    mailer,
		search:    searcher,
		redis:     mr,
		client:    client,
		presence:  presenceStore,
	}
}

func (e *testEnv) login(t *testing.T, userID string) Session {
	t.Helper()
	user, err := e.store.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("unknown test user %s", userID)
	}
	session, err := e.svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}
