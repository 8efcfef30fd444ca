package api

import (
	"net/http"

	"github.com/rs/zerolog"
)

// AuditEvent identifies the type of repository change being logged.
type AuditEvent string

const (
	AuditCSRSubmitted         AuditEvent = "csr_submitted"
	AuditCSRRejected          AuditEvent = "csr_rejected"
	AuditCertificatePublished AuditEvent = "certificate_published"
	AuditPublishRejected      AuditEvent = "publish_rejected"
	AuditSubmitRateLimited    AuditEvent = "submit_rate_limited"
)

// auditLogger writes structured audit entries for repository writes.
type auditLogger struct {
	logger zerolog.Logger
}

func newAuditLogger(logger zerolog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, clientIP, name string) {
	al.logger.Info().
		Str("event", string(event)).
		Str("remote_addr", r.RemoteAddr).
		Str("client_ip", clientIP).
		Str("name", name).
		Msg("audit")
}

// logFailure logs a rejected write with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, clientIP, name string, err error) {
	al.logger.Warn().
		Str("event", string(event)).
		Str("remote_addr", r.RemoteAddr).
		Str("client_ip", clientIP).
		Str("name", name).
		Err(err).
		Msg("audit")
}
