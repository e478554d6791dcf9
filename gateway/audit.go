package gateway

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditLogout              AuditEvent = "logout"
	AuditSessionExpired      AuditEvent = "session_expired"
	AuditSessionInvalid      AuditEvent = "session_invalid"
	AuditSessionBindingDrift AuditEvent = "session_binding_drift"
	AuditStoreUnavailable    AuditEvent = "store_unavailable"
	AuditCSRFRejected        AuditEvent = "csrf_rejected"
	AuditRateLimited         AuditEvent = "rate_limited"
	AuditTwoFactorSuccess    AuditEvent = "2fa_success"
	AuditTwoFactorFailure    AuditEvent = "2fa_failure"
	AuditTwoFactorLocked     AuditEvent = "2fa_locked"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
	clock  Clock
}

func newAuditLogger(logger *slog.Logger, clock Clock) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "gateway"),
		clock:  clock,
	}
}

// log writes a structured audit entry. Session ids and route paths are safe
// to log; raw tokens and second-factor codes never are.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	level := slog.LevelInfo
	if event == AuditStoreUnavailable {
		// Infrastructure degradation, not user error.
		level = slog.LevelError
	}
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("method", r.Method),
		slog.String("route", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", al.clock.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
}

// logSession is a convenience for events tied to a session id.
func (al *auditLogger) logSession(event AuditEvent, r *http.Request, sessionID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("session_id", sessionID)}, extra...)
	al.log(event, r, attrs...)
}
