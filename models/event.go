package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a typed event on the bus. Types are domain-grouped:
// "<domain>.<verb>", e.g. "api_design.completed". The domain half names the
// agent capability area, the verb half is one of requested/completed/failed
// for work events, or a workflow control verb.
type EventType string

const (
	// API design domain
	EventAPIDesignRequested EventType = "api_design.requested"
	EventAPIDesignCompleted EventType = "api_design.completed"
	EventAPIDesignFailed    EventType = "api_design.failed"

	// Architecture review domain
	EventArchReviewRequested EventType = "architecture_review.requested"
	EventArchReviewCompleted EventType = "architecture_review.completed"
	EventArchReviewFailed    EventType = "architecture_review.failed"

	// Implementation domain
	EventImplementationRequested EventType = "implementation.requested"
	EventImplementationCompleted EventType = "implementation.completed"
	EventImplementationFailed    EventType = "implementation.failed"

	// Testing domain
	EventTestingRequested EventType = "testing.requested"
	EventTestingCompleted EventType = "testing.completed"
	EventTestingFailed    EventType = "testing.failed"

	// Release domain
	EventReleaseRequested EventType = "release.requested"
	EventReleaseCompleted EventType = "release.completed"
	EventReleaseFailed    EventType = "release.failed"

	// Workflow control events published by the orchestrator
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
)

const (
	verbRequested = "requested"
	verbCompleted = "completed"
	verbFailed    = "failed"
)

// Domain returns the domain half of the event type ("api_design" for
// "api_design.completed"). Empty if the type is malformed.
func (t EventType) Domain() string {
	domain, _, ok := strings.Cut(string(t), ".")
	if !ok {
		return ""
	}
	return domain
}

func (t EventType) verb() string {
	_, verb, _ := strings.Cut(string(t), ".")
	return verb
}

// IsCommand reports whether the type is a work request published by the
// orchestrator for an agent to pick up.
func (t EventType) IsCommand() bool {
	return t.verb() == verbRequested
}

// IsResult reports whether the type is a terminal agent result
// (completed or failed).
func (t EventType) IsResult() bool {
	v := t.verb()
	return v == verbCompleted || v == verbFailed
}

// IsFailure reports whether the type is the failed variant of its domain.
func (t EventType) IsFailure() bool {
	return t.verb() == verbFailed
}

// Failed returns the failed variant of this type's domain. Used by the bus
// to report subscriber handler errors under the original correlation id.
func (t EventType) Failed() EventType {
	return EventType(t.Domain() + "." + verbFailed)
}

// Completed returns the completed variant of this type's domain.
func (t EventType) Completed() EventType {
	return EventType(t.Domain() + "." + verbCompleted)
}

// EventStatus is the required "status" payload field.
type EventStatus string

const (
	StatusRequested EventStatus = "requested"
	StatusCompleted EventStatus = "completed"
	StatusFailed    EventStatus = "failed"
)

// Reserved payload keys. Everything else in a payload is a domain key owned
// by the producing agent.
const (
	PayloadKeyStatus    = "status"
	PayloadKeyError     = "error"
	PayloadKeyRequestID = "request_id"
)

// EventEnvelope is the immutable record carried on the bus. The bus stamps
// Timestamp on publish; producers must not rely on setting it themselves.
// CorrelationID groups every event belonging to one workflow-instance
// execution and is immutable once assigned.
type EventEnvelope struct {
	ID            uuid.UUID      `json:"id"`
	Type          EventType      `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewEnvelope creates an envelope with a fresh id. Payload is taken as-is;
// callers use the Status/Error helpers or set the reserved keys directly.
func NewEnvelope(eventType EventType, tenantID uuid.UUID, agentID string, payload map[string]any) *EventEnvelope {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &EventEnvelope{
		ID:       uuid.New(),
		Type:     eventType,
		Payload:  payload,
		TenantID: tenantID,
		AgentID:  agentID,
	}
}

// WithCorrelation sets the correlation id and returns the envelope.
func (e *EventEnvelope) WithCorrelation(correlationID string) *EventEnvelope {
	e.CorrelationID = correlationID
	return e
}

// Status returns the payload status field, or "" if absent or not a string.
func (e *EventEnvelope) Status() EventStatus {
	s, _ := e.Payload[PayloadKeyStatus].(string)
	return EventStatus(s)
}

// ErrorMessage returns the payload error field for failed events.
func (e *EventEnvelope) ErrorMessage() string {
	s, _ := e.Payload[PayloadKeyError].(string)
	return s
}

// isWorkflowStart reports whether the envelope is allowed to be published
// without a correlation id (the orchestrator assigns one at start).
func (e *EventEnvelope) isWorkflowStart() bool {
	return e.Type == EventWorkflowStarted
}

// Validate enforces the envelope invariants. The bus rejects envelopes that
// fail validation before any delivery is attempted.
func (e *EventEnvelope) Validate() error {
	if e.Type == "" || e.Type.Domain() == "" {
		return fmt.Errorf("event type %q is not domain-grouped", e.Type)
	}
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("tenant id is required")
	}
	if e.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if e.CorrelationID == "" && !e.isWorkflowStart() {
		return fmt.Errorf("correlation id is required for %s events", e.Type)
	}
	switch e.Status() {
	case StatusRequested, StatusCompleted:
	case StatusFailed:
		if e.ErrorMessage() == "" {
			return fmt.Errorf("failed payload must include %q", PayloadKeyError)
		}
	default:
		return fmt.Errorf("payload %q must be one of requested, completed, failed", PayloadKeyStatus)
	}
	return nil
}

// Clone returns a shallow copy with a copied payload map so subscribers can
// not mutate each other's view of an event.
func (e *EventEnvelope) Clone() *EventEnvelope {
	cp := *e
	cp.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		cp.Payload[k] = v
	}
	return &cp
}
