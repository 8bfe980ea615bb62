package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"huddle/api/internal/auth"
	"huddle/api/internal/authpw"
	"huddle/api/internal/calls"
	"huddle/api/internal/presence"
	"huddle/api/internal/push"
	"huddle/api/internal/realtime"
	"huddle/api/internal/settings"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

var (
	errForbidden            = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errConversationNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "Conversation not found", nil)
	errPushDisabled         = domainError(http.StatusServiceUnavailable, "PUSH_DISABLED", "Push notifications are not configured", nil)
)

// sentinelErrors maps package errors to their client-visible form.
var sentinelErrors = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{authpw.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"},
	{authpw.ErrEmailTaken, http.StatusConflict, "EMAIL_EXISTS", "Email already registered"},
	{authpw.ErrInvalidVerification, http.StatusBadRequest, "VERIFICATION_FAILED", "Invalid or expired verification token"},
	{presence.ErrInvalidStatus, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be online, away or busy"},
	{presence.ErrInvalidUser, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "user id is required"},
	{calls.ErrInvalidCall, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "calleeId and media are required"},
	{calls.ErrSelfCall, http.StatusUnprocessableEntity, "SELF_CALL", "You cannot call yourself"},
	{calls.ErrBusy, http.StatusConflict, "BUSY", "Participant is already in a call"},
	{calls.ErrNoPendingCall, http.StatusNotFound, "NO_PENDING_CALL", "No pending call"},
	{calls.ErrNoActiveCall, http.StatusNotFound, "NO_ACTIVE_CALL", "No active call"},
	{calls.ErrCallMismatch, http.StatusConflict, "CALL_MISMATCH", "A different call is in progress"},
	{calls.ErrContention, http.StatusServiceUnavailable, "RETRY", "Call state is busy, retry"},
	{push.ErrInvalidSubscription, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endpoint, keys.p256dh and keys.auth are required"},
	{settings.ErrInvalidMode, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "mode must be live or sandbox"},
	{realtime.ErrForbiddenChannel, http.StatusForbidden, "FORBIDDEN", "Channel not allowed"},
	{sql.ErrNoRows, http.StatusNotFound, "NOT_FOUND", "Not found"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var verr *authpw.ValidationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input", verr.Fields
	}
	for _, s := range sentinelErrors {
		if errors.Is(err, s.err) {
			return s.status, s.code, s.message, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
