package models

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome kind recorded for an authorization check.
// Bypass is its own kind so development-mode shortcuts are never
// indistinguishable from a real allow.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionBypass Decision = "bypass"
)

// Audited action names.
const (
	AuditActionAuthorize         = "authorize"
	AuditActionWorkflowStarted   = "workflow_started"
	AuditActionWorkflowApproved  = "workflow_approved"
	AuditActionWorkflowRejected  = "workflow_rejected"
	AuditActionWorkflowCancelled = "workflow_cancelled"
	AuditActionWorkflowCompleted = "workflow_completed"
	AuditActionWorkflowFailed    = "workflow_failed"
	AuditActionEventDropped      = "event_dropped"
	AuditActionPolicyUpdated     = "policy_updated"
)

// AuditEntry is one append-only, tenant-scoped audit record. Entries are
// never mutated or deleted; retention is an external concern.
type AuditEntry struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	Decision      Decision  `json:"decision"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewAuditEntry creates an entry stamped with the current time.
func NewAuditEntry(tenantID uuid.UUID, actor, action string, decision Decision) *AuditEntry {
	return &AuditEntry{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Actor:     actor,
		Action:    action,
		Decision:  decision,
		Timestamp: time.Now(),
	}
}

// WithCorrelation sets the correlation id.
func (a *AuditEntry) WithCorrelation(correlationID string) *AuditEntry {
	a.CorrelationID = correlationID
	return a
}

// WithReason sets the human-readable, non-sensitive reason.
func (a *AuditEntry) WithReason(reason string) *AuditEntry {
	a.Reason = reason
	return a
}
