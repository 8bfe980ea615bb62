package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"huddle/api/internal/authpw"
	"huddle/api/internal/logging"
	"huddle/api/internal/store"
)

type HTTPOptions struct {
	CORSOrigin    string
	RatePerMinute int
	// Realtime serves the websocket upgrade at /api/realtime when set.
	Realtime http.Handler
}

type HTTPServer struct {
	service  *Service
	opts     HTTPOptions
	validate *validator.Validate
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return &HTTPServer{service: service, opts: opts, validate: validate}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogging)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.opts.CORSOrigin))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	if s.opts.Realtime != nil {
		r.Get("/api/realtime", s.opts.Realtime.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(s.opts.RatePerMinute))

		r.Post("/api/auth/signup", s.handleSignUp)
		r.Post("/api/auth/signin", s.handleSignIn)
		r.Post("/api/auth/verify-email", s.handleVerifyEmail)
		r.Get("/api/session", s.handleSession)
		r.Post("/api/session/refresh", s.handleRefresh)
		r.Post("/api/session/logout", s.handleLogout)
		r.Get("/api/push/vapid-key", s.handleVAPIDKey)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/api/conversations", s.handleListConversations)
			r.Post("/api/conversations", s.handleCreateConversation)
			r.Get("/api/conversations/{id}", s.handleGetConversation)
			r.Get("/api/conversations/{id}/messages", s.handleListMessages)
			r.Post("/api/conversations/{id}/messages", s.handleSendMessage)
			r.Post("/api/conversations/{id}/read", s.handleMarkRead)
			r.Post("/api/conversations/{id}/typing", s.handleSetTyping)
			r.Get("/api/conversations/{id}/typing", s.handleTypers)

			r.Get("/api/search", s.handleSearch)

			r.Post("/api/presence/heartbeat", s.handleHeartbeat)
			r.Delete("/api/presence", s.handleClearPresence)
			r.Get("/api/presence", s.handleGetPresence)

			r.Post("/api/calls", s.handleStartCall)
			r.Get("/api/calls/pending", s.handlePendingCall)
			r.Get("/api/calls/state", s.handleCallState)
			r.Get("/api/calls/history", s.handleCallHistory)
			r.Post("/api/calls/{id}/accept", s.handleAcceptCall)
			r.Post("/api/calls/{id}/decline", s.handleDeclineCall)
			r.Post("/api/calls/{id}/cancel", s.handleCancelCall)
			r.Post("/api/calls/{id}/end", s.handleEndCall)
			r.Post("/api/calls/{id}/handoff", s.handleHandoffCall)

			r.Post("/api/push/subscriptions", s.handleSubscribePush)
			r.Delete("/api/push/subscriptions", s.handleUnsubscribePush)

			r.Get("/api/settings/payment-mode", s.handleGetPaymentMode)
			r.Put("/api/settings/payment-mode", s.handleSetPaymentMode)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, ping := range map[string]func(context.Context) error{
		"database": s.service.Ping,
		"redis":    s.service.PingRedis,
	} {
		if err := ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resp, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.VerifyEmail(r.Context(), body.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := sessionPayload(session)
	payload["message"] = "Email verified"
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
		"role":          session.Role,
		"expiresAt":     session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if status, _, _, _ := mapError(err); status >= http.StatusInternalServerError {
			s.fail(w, r, err)
			return
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			session = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListConversations(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

func (s *HTTPServer) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var input CreateConversationInput
	if err := s.bind(r, &input); err != nil {
		s.fail(w, r, err)
		return
	}
	view, created, err := s.service.CreateConversation(r.Context(), sessionFrom(r.Context()), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"conversation": view, "created": created})
}

func (s *HTTPServer) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetConversation(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": view})
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var before *store.MessageCursor
	if raw := strings.TrimSpace(query.Get("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.fail(w, r, validationError("before must be an RFC 3339 timestamp", map[string]string{"before": "invalid timestamp"}))
			return
		}
		before = &store.MessageCursor{CreatedAt: parsed, ID: strings.TrimSpace(query.Get("beforeId"))}
	}
	messages, err := s.service.ListMessages(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), before, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := map[string]any{"messages": messages}
	if n := len(messages); n > 0 {
		last := messages[n-1]
		out["nextCursor"] = map[string]string{"before": last.CreatedAt.Format(time.RFC3339Nano), "beforeId": last.ID}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body string `json:"body" validate:"required"`
	}
	if err := s.bind(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), body.Body, socketID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.MarkRead(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *HTTPServer) handleSetTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Typing bool `json:"typing"`
	}
	if err := s.bind(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.SetTyping(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), socketID(r), body.Typing); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "typing": body.Typing})
}

func (s *HTTPServer) handleTypers(w http.ResponseWriter, r *http.Request) {
	typers, err := s.service.Typers(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userIds": typers})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := intParam(query.Get("offset"), "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.service.SearchMessages(r.Context(), sessionFrom(r.Context()), query.Get("q"), strings.TrimSpace(query.Get("conversationId")), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"deviceId" validate:"max=128"`
		Status   string `json:"status" validate:"omitempty,oneof=online away busy"`
	}
	if err := s.bind(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := s.service.Heartbeat(r.Context(), sessionFrom(r.Context()), body.DeviceID, body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleClearPresence(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.ClearPresence(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("userIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	statuses, err := s.service.GetPresence(r.Context(), sessionFrom(r.Context()), ids)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": statuses})
}

func (s *HTTPServer) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var input StartCallInput
	if err := s.bind(r, &input); err != nil {
		s.fail(w, r, err)
		return
	}
	call, err := s.service.StartCall(r.Context(), sessionFrom(r.Context()), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"call": call})
}

func (s *HTTPServer) handlePendingCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.service.PendingCall(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": call})
}

func (s *HTTPServer) handleCallState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.CallState(r.Context(), sessionFrom(r.Context()), strings.TrimSpace(r.URL.Query().Get("deviceId")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logs, err := s.service.CallHistory(r.Context(), sessionFrom(r.Context()), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(logs))
	for _, entry := range logs {
		items = append(items, callLogPayload(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": items})
}

type deviceBody struct {
	DeviceID string `json:"deviceId" validate:"max=128"`
}

func (s *HTTPServer) handleAcceptCall(w http.ResponseWriter, r *http.Request) {
	var body deviceBody
	if err := s.bind(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	call, err := s.service.AcceptCall(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), body.DeviceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": call, "deviceId": body.DeviceID})
}

func (s *HTTPServer) handleDeclineCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.service.DeclineCall(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": call})
}

func (s *HTTPServer) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.service.CancelCall(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": call})
}

func (s *HTTPServer) handleEndCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.service.EndCall(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": call})
}

func (s *HTTPServer) handleHandoffCall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"deviceId" validate:"required,max=128"`
	}
	if err := s.bind(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	active, err := s.service.HandoffCall(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "id"), body.DeviceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (s *HTTPServer) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	enabled, key := s.service.VAPIDKey()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "publicKey": key})
}

func (s *HTTPServer) handleSubscribePush(w http.ResponseWriter, r *http.Request) {
	var input PushSubscriptionInput
	if err := s.bind(r, &input); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.SubscribePush(r.Context(), sessionFrom(r.Context()), input, r.UserAgent()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *HTTPServer) handleUnsubscribePush(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint" validate:"required"`
	}
	if err := s.bind(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.UnsubscribePush(r.Context(), sessionFrom(r.Context()), body.Endpoint); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGetPaymentMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.service.PaymentMode(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func (s *HTTPServer) handleSetPaymentMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode" validate:"required,oneof=live sandbox"`
	}
	if err := s.bind(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	change, err := s.service.SetPaymentMode(r.Context(), sessionFrom(r.Context()), body.Mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// bind decodes the JSON body into target and runs its validate tags.
func (s *HTTPServer) bind(r *http.Request, target any) error {
	if err := decodeBody(r, target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	err := s.validate.Struct(target)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describeField(fe)
	}
	return validationError("Invalid input", fields)
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "url":
		return "must be a URL"
	default:
		return "is invalid"
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func callLogPayload(entry store.CallLog) map[string]any {
	return map[string]any{
		"callId":          entry.CallID,
		"conversationId":  entry.ConversationID,
		"callerId":        entry.CallerID,
		"calleeId":        entry.CalleeID,
		"media":           entry.Media,
		"outcome":         entry.Outcome,
		"startedAt":       entry.StartedAt,
		"endedAt":         entry.EndedAt,
		"durationSeconds": entry.DurationSeconds,
	}
}

// socketID names the caller's websocket so fan-out can skip it.
func socketID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Socket-ID"))
}

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, validationError(name+" must be a non-negative integer", map[string]string{name: "invalid number"})
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
