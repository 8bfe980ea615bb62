package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"huddle/api/internal/auth"
	"huddle/api/internal/authpw"
	"huddle/api/internal/calls"
	"huddle/api/internal/config"
	"huddle/api/internal/logging"
	"huddle/api/internal/presence"
	"huddle/api/internal/push"
	"huddle/api/internal/rbac"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/settings"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type DataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	FindOrCreateDirect(ctx context.Context, userID, peerID string) (store.Conversation, bool, error)
	CreateGroup(ctx context.Context, title, createdBy string, memberIDs []string) (store.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	ListMemberIDs(ctx context.Context, conversationID string) ([]string, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
	ListContactIDs(ctx context.Context, userID string) ([]string, error)
	ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error)
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	ListMessages(ctx context.Context, conversationID string, before *store.MessageCursor, limit int) ([]store.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	InsertCallLog(ctx context.Context, entry store.CallLog) error
	ListCallLogs(ctx context.Context, userID string, limit int) ([]store.CallLog, error)
}

type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

type AccountService interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (authpw.SignUpResponse, error)
	SignIn(ctx context.Context, req authpw.SignInRequest) (authpw.SignInResponse, error)
	VerifyEmail(ctx context.Context, token string) (store.User, error)
}

type PresenceStore interface {
	Heartbeat(ctx context.Context, userID, deviceID, status string) (bool, error)
	Clear(ctx context.Context, userID string) (bool, error)
	Get(ctx context.Context, userID string) (presence.Status, error)
	GetMany(ctx context.Context, userIDs []string) ([]presence.Status, error)
	OnlineSet(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type CallStore interface {
	Offer(ctx context.Context, call calls.Call) (calls.Call, error)
	Pending(ctx context.Context, calleeID string) (*calls.Call, error)
	Accept(ctx context.Context, calleeID, callID, deviceID string) (calls.Call, error)
	Decline(ctx context.Context, calleeID, callID string) (calls.Call, error)
	Cancel(ctx context.Context, callerID, callID string) (calls.Call, error)
	End(ctx context.Context, userID, callID string) (calls.ActiveCall, error)
	Handoff(ctx context.Context, userID, callID, deviceID string) (calls.ActiveCall, error)
	State(ctx context.Context, userID string) (calls.CallState, error)
}

type TypingStore interface {
	Set(ctx context.Context, conversationID, userID, socketID string, on bool) error
	Clear(ctx context.Context, conversationID, userID string) error
	Typers(ctx context.Context, conversationID string) ([]string, error)
}

type MessageSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMessage(record search.MessageRecord)
}

type PushNotifier interface {
	Enabled() bool
	PublicKey() string
	Subscribe(ctx context.Context, sub store.PushSubscription) error
	Unsubscribe(ctx context.Context, userID, endpoint string) error
	NotifyUser(ctx context.Context, userID string, note push.Notification) (push.Report, error)
}

type Mailer interface {
	IsConfigured() bool
	SendMissedCallEmail(to, userName, callerName, media string, at time.Time, openURL string) error
}

type SettingsStore interface {
	PaymentMode(ctx context.Context) (string, error)
	SetPaymentMode(ctx context.Context, mode, changedBy string) (settings.PaymentModeChange, error)
}

// Deps are the collaborators a Service is built from. Search, Push and
// Mailer may be nil.
type Deps struct {
	Store     DataStore
	Sessions  SessionStore
	Accounts  AccountService
	Presence  PresenceStore
	Calls     CallStore
	Typing    TypingStore
	Publisher realtime.Publisher
	Search    MessageSearch
	Push      PushNotifier
	Mailer    Mailer
	Settings  SettingsStore
}

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  SessionStore
	accounts  AccountService
	presence  PresenceStore
	calls     CallStore
	typing    TypingStore
	publisher realtime.Publisher
	search    MessageSearch
	push      PushNotifier
	mailer    Mailer
	settings  SettingsStore

	// background runs side effects that must not hold up the response.
	background func(func())
	now        func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		sessions:   deps.Sessions,
		accounts:   deps.Accounts,
		presence:   deps.Presence,
		calls:      deps.Calls,
		typing:     deps.Typing,
		publisher:  deps.Publisher,
		search:     deps.Search,
		push:       deps.Push,
		mailer:     deps.Mailer,
		settings:   deps.Settings,
		background: func(fn func()) { go fn() },
		now:        time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRedis(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (map[string]any, error) {
	resp, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"userId":  resp.User.ID,
		"message": "Check your email to verify your account",
	}
	// Without SMTP there is no other way to reach the token.
	if !resp.EmailSent {
		out["devVerificationToken"] = resp.VerificationToken
		out["message"] = "Account created. Verify your email to continue."
	}
	return out, nil
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	resp, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Verify your email before signing in", nil)
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) (Session, error) {
	user, err := s.accounts.VerifyEmail(ctx, token)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token. The presented one is consumed atomically,
// so concurrent refreshes of the same token mint at most one new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	userID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.Auth.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.Auth.JWTSecret), auth.NewClaims(user.ID, user.DisplayName, user.Role, jti, expiresAt))
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.Auth.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.Auth.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAtTime(),
	}, nil
}

// Logout revokes the access token and the refresh token. Failures are
// logged; the client is signed out either way.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("revoke access token failed")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("revoke refresh token failed")
		}
	}
	if session.UserID != "" && s.presence != nil {
		if _, err := s.ClearPresence(ctx, session); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("clear presence on logout failed")
		}
	}
}

func (s *Service) PaymentMode(ctx context.Context) (string, error) {
	return s.settings.PaymentMode(ctx)
}

func (s *Service) SetPaymentMode(ctx context.Context, session Session, mode string) (settings.PaymentModeChange, error) {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return settings.PaymentModeChange{}, errForbidden
	}
	return s.settings.SetPaymentMode(ctx, mode, session.UserID)
}

// trigger publishes an event and logs instead of failing the caller.
func (s *Service) trigger(ctx context.Context, channel, event string, data any, excludeSocket string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Trigger(ctx, channel, event, data, excludeSocket); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("channel", channel).Str("event", event).Msg("realtime trigger failed")
	}
}

// requireMember hides conversations the user does not belong to behind a 404.
func (s *Service) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errConversationNotFound
	}
	return nil
}
