package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowState is the lifecycle state of a WorkflowInstance.
type WorkflowState string

const (
	WorkflowPending          WorkflowState = "pending"
	WorkflowRunning          WorkflowState = "running"
	WorkflowAwaitingApproval WorkflowState = "awaiting_approval"
	WorkflowCompleted        WorkflowState = "completed"
	WorkflowFailed           WorkflowState = "failed"
	WorkflowCancelled        WorkflowState = "cancelled"
)

// IsTerminal reports whether the state is final. Terminal states are never
// re-entered; events for a terminal instance are logged and dropped.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// validTransitions is the workflow state machine:
// pending → running → {awaiting_approval ⇄ running} → {completed|failed|cancelled}.
var validTransitions = map[WorkflowState][]WorkflowState{
	WorkflowPending:          {WorkflowRunning, WorkflowCancelled},
	WorkflowRunning:          {WorkflowAwaitingApproval, WorkflowCompleted, WorkflowFailed, WorkflowCancelled},
	WorkflowAwaitingApproval: {WorkflowRunning, WorkflowCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s WorkflowState) CanTransition(next WorkflowState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepDefinition is one step in a workflow's step graph. CommandType is the
// event published to request the step; the agent answers with the
// completed or failed variant of the same domain. DomainKey names the
// payload key the agent's result must carry.
type StepDefinition struct {
	Name             string        `json:"name"`
	CommandType      EventType     `json:"command_type"`
	DomainKey        string        `json:"domain_key"`
	RequiresApproval bool          `json:"requires_approval"`
	Deadline         time.Duration `json:"deadline"`
}

// WorkflowDefinition is a named, ordered step graph.
type WorkflowDefinition struct {
	ID    string           `json:"id"`
	Steps []StepDefinition `json:"steps"`
}

// Step returns the step at index, or nil when out of range.
func (d *WorkflowDefinition) Step(index int) *StepDefinition {
	if index < 0 || index >= len(d.Steps) {
		return nil
	}
	return &d.Steps[index]
}

// StepResult records the outcome of one step attempt in the instance
// history.
type StepResult struct {
	Step        string      `json:"step"`
	Status      EventStatus `json:"status"`
	AgentID     string      `json:"agent_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

// WorkflowInstance is one execution of a WorkflowDefinition. It is owned
// exclusively by the orchestrator and mutated only through its transition
// function; CorrelationID is immutable once assigned.
type WorkflowInstance struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	DefinitionID  string         `json:"definition_id"`
	CorrelationID string         `json:"correlation_id"`
	CurrentStep   int            `json:"current_step"`
	State         WorkflowState  `json:"state"`
	StepHistory   []StepResult   `json:"step_history"`
	RetryCounts   map[string]int `json:"retry_counts"`
	InitiatorID   uuid.UUID      `json:"initiator_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewWorkflowInstance creates a pending instance with a fresh id and
// correlation id.
func NewWorkflowInstance(tenantID uuid.UUID, definitionID string, initiator uuid.UUID) *WorkflowInstance {
	now := time.Now()
	return &WorkflowInstance{
		ID:            uuid.New(),
		TenantID:      tenantID,
		DefinitionID:  definitionID,
		CorrelationID: uuid.NewString(),
		State:         WorkflowPending,
		RetryCounts:   make(map[string]int),
		InitiatorID:   initiator,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal reports whether the instance has reached a final state.
func (w *WorkflowInstance) IsTerminal() bool {
	return w.State.IsTerminal()
}

// RecordStep appends a step result to the history.
func (w *WorkflowInstance) RecordStep(result StepResult) {
	w.StepHistory = append(w.StepHistory, result)
}
