package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of workflow action being audited.
type AuditAction string

const (
	ActionSelect          AuditAction = "select"
	ActionSelectRejected  AuditAction = "select_rejected"
	ActionSubmit          AuditAction = "submit"
	ActionSubmitSucceeded AuditAction = "submit_succeeded"
	ActionSubmitFailed    AuditAction = "submit_failed"
	ActionReset           AuditAction = "reset"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflowId"`
	Attempt    uint64        `json:"attempt,omitempty"`
	Action     AuditAction   `json:"action"`
	Severity   AuditSeverity `json:"severity"`
	FileName   string        `json:"fileName,omitempty"`
	MediaType  string        `json:"mediaType,omitempty"`
	Bytes      int           `json:"bytes,omitempty"`
	IPAddress  string        `json:"ipAddress,omitempty"`
	UserAgent  string        `json:"userAgent,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// AuditSink records audit entries. Failures are reported to the caller but
// never change workflow state.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// NopAuditSink discards all entries.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEntry) error { return nil }

// determineSeverity returns the appropriate severity for an action.
func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionSubmit, ActionSubmitSucceeded, ActionSubmitFailed:
		return SeverityHigh
	case ActionSelectRejected:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// newAuditEntry fills ID, severity, timestamp and request metadata from ctx.
func newAuditEntry(ctx context.Context, workflowID string, action AuditAction) AuditEntry {
	return AuditEntry{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Action:     action,
		Severity:   determineSeverity(action),
		IPAddress:  GetIPAddressFromContext(ctx),
		UserAgent:  GetUserAgentFromContext(ctx),
		CreatedAt:  time.Now().UTC(),
	}
}
