package app

import (
	"context"
	"strings"
	"time"

	"huddle/api/internal/calls"
	"huddle/api/internal/logging"
	"huddle/api/internal/push"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

type StartCallInput struct {
	CalleeID       string `json:"calleeId" validate:"required"`
	ConversationID string `json:"conversationId" validate:"required"`
	Media          string `json:"media" validate:"required,oneof=audio video"`
	DeviceID       string `json:"deviceId" validate:"max=128"`
}

type callEvent struct {
	Call     calls.Call `json:"call"`
	DeviceID string     `json:"deviceId,omitempty"`
}

type callDeviceEvent struct {
	CallID   string `json:"callId"`
	DeviceID string `json:"deviceId"`
}

type callEndedEvent struct {
	Call            calls.Call `json:"call"`
	EndedBy         string     `json:"endedBy"`
	DurationSeconds int        `json:"durationSeconds"`
}

// CallStateView adds the caller's device perspective to the stored state.
type CallStateView struct {
	calls.CallState
	OnThisDevice bool `json:"onThisDevice"`
}

func (s *Service) StartCall(ctx context.Context, session Session, input StartCallInput) (calls.Call, error) {
	if err := s.requireMember(ctx, input.ConversationID, session.UserID); err != nil {
		return calls.Call{}, err
	}
	if input.CalleeID != session.UserID {
		ok, err := s.store.IsMember(ctx, input.ConversationID, input.CalleeID)
		if err != nil {
			return calls.Call{}, err
		}
		if !ok {
			return calls.Call{}, validationError("Callee is not in this conversation", map[string]string{"calleeId": "must be a conversation member"})
		}
	}

	call, err := s.calls.Offer(ctx, calls.Call{
		ID:             util.NewID("call"),
		ConversationID: input.ConversationID,
		CallerID:       session.UserID,
		CalleeID:       input.CalleeID,
		Media:          input.Media,
		CallerDeviceID: strings.TrimSpace(input.DeviceID),
	})
	if err != nil {
		return calls.Call{}, err
	}

	s.trigger(ctx, realtime.UserChannel(call.CalleeID), realtime.EventCallIncoming, callEvent{Call: call}, "")

	bg := context.WithoutCancel(ctx)
	s.background(func() { s.ringOffline(bg, session, call) })
	return call, nil
}

// ringOffline sends a push to a callee with no live presence, since they
// cannot see the realtime event.
func (s *Service) ringOffline(ctx context.Context, caller Session, call calls.Call) {
	if s.push == nil || !s.push.Enabled() {
		return
	}
	if s.isOnline(ctx, call.CalleeID) {
		return
	}
	_, err := s.push.NotifyUser(ctx, call.CalleeID, push.Notification{
		Title: "Incoming " + call.Media + " call",
		Body:  caller.UserName + " is calling you",
		URL:   "/conversations/" + call.ConversationID,
		Tag:   "call-" + call.ID,
		Data:  map[string]any{"callId": call.ID, "conversationId": call.ConversationID, "media": call.Media},
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("call_id", call.ID).Msg("incoming call push failed")
	}
}

func (s *Service) PendingCall(ctx context.Context, session Session) (*calls.Call, error) {
	return s.calls.Pending(ctx, session.UserID)
}

func (s *Service) CallState(ctx context.Context, session Session, deviceID string) (CallStateView, error) {
	state, err := s.calls.State(ctx, session.UserID)
	if err != nil {
		return CallStateView{}, err
	}
	view := CallStateView{CallState: state}
	if state.Active != nil && deviceID != "" {
		view.OnThisDevice = state.Active.DeviceID == deviceID
	}
	return view, nil
}

// AcceptCall answers on deviceID. The caller learns the call connected and
// the callee's other devices stop ringing.
func (s *Service) AcceptCall(ctx context.Context, session Session, callID, deviceID string) (calls.Call, error) {
	call, err := s.calls.Accept(ctx, session.UserID, callID, strings.TrimSpace(deviceID))
	if err != nil {
		return calls.Call{}, err
	}
	s.trigger(ctx, realtime.UserChannel(call.CallerID), realtime.EventCallAccepted, callEvent{Call: call, DeviceID: deviceID}, "")
	s.trigger(ctx, realtime.UserChannel(call.CalleeID), realtime.EventCallAnsweredElse, callDeviceEvent{CallID: call.ID, DeviceID: deviceID}, "")
	return call, nil
}

func (s *Service) DeclineCall(ctx context.Context, session Session, callID string) (calls.Call, error) {
	call, err := s.calls.Decline(ctx, session.UserID, callID)
	if err != nil {
		return calls.Call{}, err
	}
	s.trigger(ctx, realtime.UserChannel(call.CallerID), realtime.EventCallDeclined, callEvent{Call: call}, "")
	s.trigger(ctx, realtime.UserChannel(call.CalleeID), realtime.EventCallDeclined, callEvent{Call: call}, "")
	s.logCall(ctx, call, store.CallOutcomeDeclined, nil)
	return call, nil
}

// CancelCall withdraws an unanswered call, which the callee sees as missed.
func (s *Service) CancelCall(ctx context.Context, session Session, callID string) (calls.Call, error) {
	call, err := s.calls.Cancel(ctx, session.UserID, callID)
	if err != nil {
		return calls.Call{}, err
	}
	s.trigger(ctx, realtime.UserChannel(call.CalleeID), realtime.EventCallCancelled, callEvent{Call: call}, "")
	s.logCall(ctx, call, store.CallOutcomeMissed, nil)

	bg := context.WithoutCancel(ctx)
	s.background(func() { s.emailMissedCall(bg, session, call) })
	return call, nil
}

func (s *Service) emailMissedCall(ctx context.Context, caller Session, call calls.Call) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	if s.isOnline(ctx, call.CalleeID) {
		return
	}
	callee, err := s.store.GetUserByID(ctx, call.CalleeID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", call.CalleeID).Msg("load callee for missed call email failed")
		return
	}
	openURL := strings.TrimRight(s.cfg.HTTP.PublicURL, "/") + "/conversations/" + call.ConversationID
	if err := s.mailer.SendMissedCallEmail(callee.Email, callee.DisplayName, caller.UserName, call.Media, call.CreatedAt, openURL); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("call_id", call.ID).Msg("missed call email failed")
	}
}

func (s *Service) EndCall(ctx context.Context, session Session, callID string) (calls.Call, error) {
	active, err := s.calls.End(ctx, session.UserID, callID)
	if err != nil {
		return calls.Call{}, err
	}
	call := active.Call
	duration := durationSeconds(active.StartedAt, s.now())
	event := callEndedEvent{Call: call, EndedBy: session.UserID, DurationSeconds: duration}
	s.trigger(ctx, realtime.UserChannel(call.CallerID), realtime.EventCallEnded, event, "")
	s.trigger(ctx, realtime.UserChannel(call.CalleeID), realtime.EventCallEnded, event, "")
	startedAt := active.StartedAt
	s.logCall(ctx, call, store.CallOutcomeCompleted, &startedAt)
	return call, nil
}

// HandoffCall moves the caller's leg of an active call to deviceID.
func (s *Service) HandoffCall(ctx context.Context, session Session, callID, deviceID string) (calls.ActiveCall, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return calls.ActiveCall{}, validationError("deviceId is required", map[string]string{"deviceId": "is required"})
	}
	active, err := s.calls.Handoff(ctx, session.UserID, callID, deviceID)
	if err != nil {
		return calls.ActiveCall{}, err
	}
	s.trigger(ctx, realtime.UserChannel(session.UserID), realtime.EventCallHandoff, callDeviceEvent{CallID: callID, DeviceID: deviceID}, "")
	return active, nil
}

func (s *Service) CallHistory(ctx context.Context, session Session, limit int) ([]store.CallLog, error) {
	return s.store.ListCallLogs(ctx, session.UserID, limit)
}

func (s *Service) logCall(ctx context.Context, call calls.Call, outcome string, startedAt *time.Time) {
	now := s.now().UTC()
	entry := store.CallLog{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		CallerID:       call.CallerID,
		CalleeID:       call.CalleeID,
		Media:          call.Media,
		Outcome:        outcome,
		StartedAt:      startedAt,
		EndedAt:        now,
	}
	if startedAt != nil {
		entry.DurationSeconds = durationSeconds(*startedAt, now)
	}
	if err := s.store.InsertCallLog(ctx, entry); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("call_id", call.ID).Str("outcome", outcome).Msg("write call log failed")
	}
}

func durationSeconds(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Second)
}

func (s *Service) isOnline(ctx context.Context, userID string) bool {
	online, err := s.presence.OnlineSet(ctx, []string{userID})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("presence lookup failed")
		return false
	}
	return online[userID]
}
