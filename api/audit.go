package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmcleod/tollgate/internal/logger"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegister            AuditEvent = "register"
	AuditRegisterRateLimited AuditEvent = "register_rate_limited"
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditLoginRateLimited    AuditEvent = "login_rate_limited"
	AuditChallengeIssued     AuditEvent = "challenge_issued"
	AuditChallengeFailed     AuditEvent = "challenge_failed"
	AuditChallengeExhausted  AuditEvent = "challenge_exhausted"
	AuditChallengeCancelled  AuditEvent = "challenge_cancelled"
	AuditLogout              AuditEvent = "logout"
	AuditLogoutAll           AuditEvent = "logout_all"
	AuditSessionRevoked      AuditEvent = "session_revoked"
	AuditAccountDeleted      AuditEvent = "account_deleted"
	AuditTwoFactorSetup      AuditEvent = "2fa_setup"
	AuditTwoFactorEnabled    AuditEvent = "2fa_enabled"
	AuditTwoFactorDisabled   AuditEvent = "2fa_disabled"
	AuditPasskeyRegistered   AuditEvent = "passkey_registered"
	AuditPasskeyLoginSuccess AuditEvent = "passkey_login_success"
	AuditChannelGranted      AuditEvent = "channel_granted"
	AuditChannelDenied       AuditEvent = "channel_denied"
)

// auditLogger writes security audit events through zap and fans them out
// to the alert collector and, when configured, the audit webhook.
type auditLogger struct {
	log      *zap.Logger
	alerts   *alertCollector
	webhook  *auditWebhook
	clientIP func(*http.Request) string
}

func newAuditLogger(log *zap.Logger) *auditLogger {
	return &auditLogger{
		log:      log.With(zap.String("component", "audit")),
		clientIP: extractClientIP,
	}
}

func (al *auditLogger) record(event AuditEvent, r *http.Request, fields ...zap.Field) {
	if al == nil {
		return
	}
	ip := al.clientIP(r)
	base := []zap.Field{
		zap.String("event", string(event)),
		logger.ClientIP(ip),
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		base = append(base, logger.RequestID(id))
	}
	if ua := r.UserAgent(); ua != "" {
		base = append(base, logger.UserAgent(ua))
	}
	al.log.Info("audit", append(base, fields...)...)

	al.alerts.recordEvent(event)
	if al.webhook != nil {
		al.webhook.enqueue(webhookEvent{
			Event:      string(event),
			RemoteAddr: ip,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Attrs:      fieldStrings(fields),
		})
	}
}

// logEvent records an event attributed to a principal.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, principalID string, extra ...zap.Field) {
	al.record(event, r, append([]zap.Field{logger.PrincipalID(principalID)}, extra...)...)
}

// logFailure records a failed or refused attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...zap.Field) {
	al.record(event, r, append([]zap.Field{zap.String("reason", reason)}, extra...)...)
}

func (al *auditLogger) close() {
	if al != nil && al.webhook != nil {
		al.webhook.close()
	}
}

func fieldStrings(fields []zap.Field) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	out := make(map[string]string, len(enc.Fields))
	for k, v := range enc.Fields {
		out[k] = fmt.Sprint(v)
	}
	return out
}
