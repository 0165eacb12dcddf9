// Package audit emits structured security events for SIEM consumption.
package audit

import (
	"time"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType categorizes security-relevant events for filtering and alerting.
type EventType string

const (
	// EventSuspiciousStatement is logged when libinjection fingerprints a
	// submitted statement as injection-shaped. Advisory only; the role policy
	// decides whether the statement runs.
	EventSuspiciousStatement EventType = "suspicious_statement"
	// EventAuthorizationDenied is logged when the role policy refuses a
	// statement.
	EventAuthorizationDenied EventType = "authorization_denied"
	// EventExecutionCancelled is logged when a user cancels an execution.
	EventExecutionCancelled EventType = "execution_cancelled"
)

// SecurityAuditor logs security events under a dedicated logger namespace so
// they can be filtered out of the general application log.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor on the "security_audit" namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// ScreenStatement fingerprints a submitted statement with libinjection and
// logs a warning event when it matches a known injection shape. Ad-hoc SQL is
// the product here, so screening never blocks; it leaves a trail.
func (a *SecurityAuditor) ScreenStatement(userID string, executionID uuid.UUID, statement string) {
	isSQLi, fingerprint := libinjection.IsSQLi(statement)
	if !isSQLi {
		return
	}
	a.logger.Warn("statement matches injection fingerprint",
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("event_type", string(EventSuspiciousStatement)),
		zap.String("user_id", userID),
		zap.String("execution_id", executionID.String()),
		zap.String("fingerprint", string(fingerprint)),
	)
}

// LogAuthorizationDenied records a role-policy refusal.
func (a *SecurityAuditor) LogAuthorizationDenied(userID, role, keyword string) {
	a.logger.Warn("statement refused by role policy",
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("event_type", string(EventAuthorizationDenied)),
		zap.String("user_id", userID),
		zap.String("role", role),
		zap.String("keyword", keyword),
	)
}

// LogCancellation records a user-initiated cancellation.
func (a *SecurityAuditor) LogCancellation(requesterID string, executionID uuid.UUID) {
	a.logger.Info("execution cancelled by owner",
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("event_type", string(EventExecutionCancelled)),
		zap.String("user_id", requesterID),
		zap.String("execution_id", executionID.String()),
	)
}
