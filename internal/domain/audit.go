package domain

import "time"

// Outcome values recorded in the audit trail.
const (
	OutcomeOK      = "ok"
	OutcomePartial = "partial"
	OutcomeError   = "error"
)

// AuditEntry is one row of the invocation audit trail.
// It never carries clinical payload, only who asked for what and how it went.
type AuditEntry struct {
	CorrelationID string
	RequestID     string
	Tool          string
	Subject       string
	Outcome       string
	ErrorKind     string
	Duration      time.Duration
	At            time.Time
}
