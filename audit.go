package authcore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/rs/zerolog"
)

// AuditEvent is one security-relevant record delivered to an [AuditSink].
type AuditEvent = audit.Event

// AuditSink receives audit events from the engine's dispatcher goroutine.
type AuditSink = audit.Sink

// AuditStats counts audit dispatcher outcomes.
type AuditStats = audit.Stats

type (
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
	ZerologSink    = audit.ZerologSink
)

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

func NewZerologSink(log zerolog.Logger) *ZerologSink {
	return audit.NewZerologSink(log)
}

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventAccountLocked        = "account_locked"
	auditEventAccountUnlocked      = "account_unlocked"
	auditEventValidateFailure      = "validate_failure"
	auditEventPermissionDenied     = "permission_denied"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventLogoutSession        = "logout_session"
	auditEventLogoutAll            = "logout_all"
	auditEventTokenRevoked         = "token_revoked"
	auditEventAccountInvalidated   = "account_invalidated"
)

// AuditErrorCode is the stable error label written into audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountDisabled    AuditErrorCode = "account_disabled"
	auditErrMalformed          AuditErrorCode = "malformed_token"
	auditErrInvalidSignature   AuditErrorCode = "invalid_signature"
	auditErrExpired            AuditErrorCode = "expired"
	auditErrNotYetValid        AuditErrorCode = "not_yet_valid"
	auditErrUnsupportedType    AuditErrorCode = "unsupported_token_type"
	auditErrBlacklisted        AuditErrorCode = "blacklisted"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrSessionRevoked     AuditErrorCode = "session_revoked"
	auditErrPermissionDenied   AuditErrorCode = "permission_denied"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

type auditFields struct {
	userID    string
	sessionID string
	tokenID   string
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	fields auditFields,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    fields.userID,
		SessionID: fields.sessionID,
		TokenID:   fields.tokenID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	code := auditErrorCode(err)
	if code != "" {
		event.Error = string(code)
	}
	event.Security = isSecurityEvent(eventType, code)

	e.audit.Emit(ctx, event)
}

// isSecurityEvent reports whether an event points at an attack or a lock
// rather than routine traffic.
func isSecurityEvent(eventType string, code AuditErrorCode) bool {
	switch eventType {
	case auditEventAccountLocked, auditEventRefreshReuseDetected:
		return true
	}
	switch code {
	case auditErrInvalidSignature, auditErrBlacklisted, auditErrRefreshReuse:
		return true
	}
	return false
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrMalformedToken):
		return auditErrMalformed
	case errors.Is(err, ErrInvalidSignature):
		return auditErrInvalidSignature
	case errors.Is(err, ErrExpired):
		return auditErrExpired
	case errors.Is(err, ErrNotYetValid):
		return auditErrNotYetValid
	case errors.Is(err, ErrUnsupportedTokenType):
		return auditErrUnsupportedType
	case errors.Is(err, ErrBlacklisted):
		return auditErrBlacklisted
	case errors.Is(err, ErrRefreshReuseDetected):
		return auditErrRefreshReuse
	case errors.Is(err, ErrSessionRevoked):
		return auditErrSessionRevoked
	case errors.Is(err, ErrPermissionDenied):
		return auditErrPermissionDenied
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

func (e *Engine) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
