// Package orchestrator drives workflow instances through their step
// graphs: it sequences steps, waits for result events, injects human
// approval gates, and applies retry with exponential backoff on step
// failure.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/bus"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services"
	"github.com/upb/agent-control-plane/services/audit"
	"github.com/upb/agent-control-plane/services/auth"
	"github.com/upb/agent-control-plane/services/registry"
)

// orchestratorAgentID is the bus identity the orchestrator subscribes and
// publishes under.
const orchestratorAgentID = "orchestrator"

// Config holds orchestrator tuning parameters.
type Config struct {
	Retry               RetryPolicy
	DefaultStepDeadline time.Duration // Used when a step defines none
	ApprovalTimeout     time.Duration // 0 disables approval expiry
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Retry:               DefaultRetryPolicy(),
		DefaultStepDeadline: 15 * time.Minute,
	}
}

// Orchestrator owns every WorkflowInstance exclusively. All transitions
// for one correlation id are serialized through a striped lock; different
// instances proceed fully in parallel.
type Orchestrator struct {
	repo        repositories.WorkflowRepository
	definitions *DefinitionRegistry
	gate        auth.Authorizer
	bus         *bus.Bus
	agents      *registry.Registry
	audit       *audit.Service
	logger      *zap.Logger
	cfg         Config

	locks *stripedLocks

	timerMu sync.Mutex
	timers  map[string]*time.Timer // keyed by correlation id

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator.
func New(
	repo repositories.WorkflowRepository,
	definitions *DefinitionRegistry,
	gate auth.Authorizer,
	eventBus *bus.Bus,
	agents *registry.Registry,
	auditSvc *audit.Service,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:        repo,
		definitions: definitions,
		gate:        gate,
		bus:         eventBus,
		agents:      agents,
		audit:       auditSvc,
		logger:      logger,
		cfg:         cfg,
		locks:       newStripedLocks(64),
		timers:      make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run subscribes to every result type the registered definitions can
// produce, resumes in-flight instances from the store, and starts
// consuming. It returns after wiring; delivery happens on bus goroutines.
func (o *Orchestrator) Run(ctx context.Context) error {
	types := o.definitions.ResultTypes()
	if len(types) == 0 {
		return fmt.Errorf("no workflow definitions registered")
	}
	sub, err := o.bus.Subscribe(orchestratorAgentID, types...)
	if err != nil {
		return fmt.Errorf("failed to subscribe to result events: %w", err)
	}
	o.bus.Consume(sub, func(ctx context.Context, env *models.EventEnvelope) error {
		return o.HandleResult(ctx, env)
	})
	return o.resume(ctx)
}

// Stop cancels all pending timers and background retries.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
}

// resume reloads in-flight instances after a restart and re-arms their
// deadlines; they keep waiting for events under their existing
// correlation ids.
func (o *Orchestrator) resume(ctx context.Context) error {
	instances, err := o.repo.ListByStates(ctx, models.WorkflowRunning, models.WorkflowAwaitingApproval)
	if err != nil {
		return fmt.Errorf("failed to load in-flight instances: %w", err)
	}
	for _, inst := range instances {
		def, err := o.definitions.Get(inst.DefinitionID)
		if err != nil {
			o.logger.Error("in-flight instance references unknown definition",
				zap.String("instance_id", inst.ID.String()),
				zap.String("definition_id", inst.DefinitionID))
			continue
		}
		switch inst.State {
		case models.WorkflowRunning:
			if step := def.Step(inst.CurrentStep); step != nil {
				o.armStepDeadline(inst, step)
			}
		case models.WorkflowAwaitingApproval:
			o.armApprovalExpiry(inst)
		}
		o.logger.Info("resumed workflow instance",
			zap.String("instance_id", inst.ID.String()),
			zap.String("correlation_id", inst.CorrelationID),
			zap.String("state", string(inst.State)))
	}
	return nil
}

// Start creates a workflow instance and publishes its first command event.
// The caller is authorized for the execute_workflows capability first.
func (o *Orchestrator) Start(ctx context.Context, principal *models.Principal, definitionID string, tenantID uuid.UUID) (*models.WorkflowInstance, error) {
	def, err := o.definitions.Get(definitionID)
	if err != nil {
		return nil, err
	}
	if err := o.gate.Authorize(ctx, principal, models.CapabilityExecuteWorkflows, tenantID); err != nil {
		return nil, err
	}

	inst := models.NewWorkflowInstance(tenantID, definitionID, principal.UserID)
	if err := o.repo.Save(ctx, inst); err != nil {
		return nil, err
	}

	unlock := o.locks.lock(inst.CorrelationID)
	defer unlock()

	if err := o.transition(ctx, inst, models.WorkflowRunning); err != nil {
		return nil, err
	}
	o.appendAudit(inst, models.AuditActionWorkflowStarted, models.DecisionAllow,
		fmt.Sprintf("definition=%s", definitionID))

	// Announce the new execution, then request the first step.
	o.publishControl(inst, models.EventWorkflowStarted, "")
	if err := o.publishStep(ctx, inst, def.Step(0)); err != nil {
		return nil, err
	}
	return inst, nil
}

// Approve resumes a workflow waiting at a human approval gate. Valid only
// in awaiting_approval.
func (o *Orchestrator) Approve(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) error {
	return o.resolveApproval(ctx, principal, instanceID, true)
}

// Reject declines a pending approval gate and cancels the workflow.
func (o *Orchestrator) Reject(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) error {
	return o.resolveApproval(ctx, principal, instanceID, false)
}

func (o *Orchestrator) resolveApproval(ctx context.Context, principal *models.Principal, instanceID uuid.UUID, approve bool) error {
	inst, err := o.repo.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := o.gate.Authorize(ctx, principal, models.CapabilityApproveWorkflows, inst.TenantID); err != nil {
		return err
	}

	unlock := o.locks.lock(inst.CorrelationID)
	defer unlock()

	// Reload under the lock; the gate call may have raced a transition.
	inst, err = o.repo.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.State != models.WorkflowAwaitingApproval {
		return services.NewDomainError(services.ErrorTypeInvalidTransition,
			fmt.Sprintf("cannot resolve approval in state %s", inst.State), nil)
	}
	o.cancelTimer(inst.CorrelationID)

	if !approve {
		if err := o.transition(ctx, inst, models.WorkflowCancelled); err != nil {
			return err
		}
		o.appendAudit(inst, models.AuditActionWorkflowRejected, models.DecisionAllow,
			fmt.Sprintf("rejected by %s", principal.UserID))
		o.publishControl(inst, models.EventWorkflowCancelled, "approval rejected")
		return nil
	}

	def, err := o.definitions.Get(inst.DefinitionID)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, inst, models.WorkflowRunning); err != nil {
		return err
	}
	o.appendAudit(inst, models.AuditActionWorkflowApproved, models.DecisionAllow,
		fmt.Sprintf("approved by %s", principal.UserID))
	return o.publishStep(ctx, inst, def.Step(inst.CurrentStep))
}

// Cancel transitions a workflow to cancelled from any non-terminal state
// and publishes a cancellation event so in-flight agents can abort.
// Cancellation is cooperative; result events arriving afterwards for this
// correlation id are ignored.
func (o *Orchestrator) Cancel(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) error {
	inst, err := o.repo.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := o.gate.Authorize(ctx, principal, models.CapabilityExecuteWorkflows, inst.TenantID); err != nil {
		return err
	}

	unlock := o.locks.lock(inst.CorrelationID)
	defer unlock()

	inst, err = o.repo.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.IsTerminal() {
		return services.NewDomainError(services.ErrorTypeInvalidTransition,
			fmt.Sprintf("cannot cancel workflow in terminal state %s", inst.State), nil)
	}
	o.cancelTimer(inst.CorrelationID)

	if err := o.transition(ctx, inst, models.WorkflowCancelled); err != nil {
		return err
	}
	o.appendAudit(inst, models.AuditActionWorkflowCancelled, models.DecisionAllow,
		fmt.Sprintf("cancelled by %s", principal.UserID))
	o.publishControl(inst, models.EventWorkflowCancelled, "cancelled by caller")
	return nil
}

// GetInstance returns a workflow instance, enforcing tenant scope.
func (o *Orchestrator) GetInstance(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) (*models.WorkflowInstance, error) {
	inst, err := o.repo.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if principal.TenantID != inst.TenantID && !principal.IsCrossTenantAdmin() {
		return nil, services.ErrTenantMismatch
	}
	return inst, nil
}

// HandleResult processes one result event from the bus. Duplicate or
// out-of-order results for an already-advanced step are ignored
// idempotently; events for terminal instances are logged and dropped.
func (o *Orchestrator) HandleResult(ctx context.Context, env *models.EventEnvelope) error {
	if !env.Type.IsResult() {
		return nil
	}

	unlock := o.locks.lock(env.CorrelationID)
	defer unlock()

	inst, err := o.repo.GetByCorrelationID(ctx, env.CorrelationID)
	if err != nil {
		if services.IsNotFoundError(err) {
			o.logger.Warn("result event for unknown correlation id, dropping",
				zap.String("correlation_id", env.CorrelationID),
				zap.String("event_type", string(env.Type)))
			return nil
		}
		return err
	}
	if inst.IsTerminal() {
		o.logger.Info("result event for terminal instance, dropping",
			zap.String("instance_id", inst.ID.String()),
			zap.String("state", string(inst.State)),
			zap.String("event_type", string(env.Type)))
		o.appendAudit(inst, models.AuditActionEventDropped, models.DecisionDeny,
			fmt.Sprintf("event %s for terminal state %s", env.Type, inst.State))
		return nil
	}
	if inst.State != models.WorkflowRunning {
		// Results are only consumed while a step is in flight.
		o.logger.Debug("result event while not running, ignoring",
			zap.String("instance_id", inst.ID.String()),
			zap.String("state", string(inst.State)))
		return nil
	}

	def, err := o.definitions.Get(inst.DefinitionID)
	if err != nil {
		return err
	}
	step := def.Step(inst.CurrentStep)
	if step == nil || env.Type.Domain() != step.CommandType.Domain() {
		// Duplicate or out-of-order result for an already-advanced step.
		o.logger.Debug("stale result event, ignoring",
			zap.String("instance_id", inst.ID.String()),
			zap.String("event_type", string(env.Type)),
			zap.Int("current_step", inst.CurrentStep))
		return nil
	}

	o.cancelTimer(inst.CorrelationID)

	switch env.Status() {
	case models.StatusCompleted:
		return o.advance(ctx, inst, def, step, env)
	case models.StatusFailed:
		return o.retryOrFail(ctx, inst, def, step, env)
	default:
		o.logger.Debug("non-terminal result status, ignoring",
			zap.String("status", string(env.Status())))
		return nil
	}
}

// advance records the completed step and moves to the next one, pausing
// at approval gates and completing the workflow after the last step.
func (o *Orchestrator) advance(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.StepDefinition, env *models.EventEnvelope) error {
	inst.RecordStep(models.StepResult{
		Step:        step.Name,
		Status:      models.StatusCompleted,
		AgentID:     env.AgentID,
		CompletedAt: env.Timestamp,
	})
	inst.CurrentStep++

	next := def.Step(inst.CurrentStep)
	if next == nil {
		if err := o.transition(ctx, inst, models.WorkflowCompleted); err != nil {
			return err
		}
		o.appendAudit(inst, models.AuditActionWorkflowCompleted, models.DecisionAllow, "all steps completed")
		o.publishControl(inst, models.EventWorkflowCompleted, "")
		return nil
	}

	if next.RequiresApproval {
		if err := o.transition(ctx, inst, models.WorkflowAwaitingApproval); err != nil {
			return err
		}
		o.armApprovalExpiry(inst)
		o.logger.Info("workflow awaiting approval",
			zap.String("instance_id", inst.ID.String()),
			zap.String("next_step", next.Name))
		return nil
	}

	if err := o.update(ctx, inst); err != nil {
		return err
	}
	return o.publishStep(ctx, inst, next)
}

// retryOrFail consults the retry budget for the failed step: retry with
// exponential backoff while attempts remain, otherwise fail the workflow.
func (o *Orchestrator) retryOrFail(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.StepDefinition, env *models.EventEnvelope) error {
	inst.RecordStep(models.StepResult{
		Step:        step.Name,
		Status:      models.StatusFailed,
		AgentID:     env.AgentID,
		Error:       env.ErrorMessage(),
		CompletedAt: env.Timestamp,
	})

	attempts := inst.RetryCounts[step.Name]
	if attempts >= o.cfg.Retry.MaxAttempts {
		if err := o.transition(ctx, inst, models.WorkflowFailed); err != nil {
			return err
		}
		o.appendAudit(inst, models.AuditActionWorkflowFailed, models.DecisionAllow,
			fmt.Sprintf("step %s failed after %d attempts: %s", step.Name, attempts+1, env.ErrorMessage()))
		o.publishControl(inst, models.EventWorkflowFailed, env.ErrorMessage())
		return nil
	}

	inst.RetryCounts[step.Name] = attempts + 1
	if err := o.update(ctx, inst); err != nil {
		return err
	}

	delay := o.cfg.Retry.BackoffFor(attempts + 1)
	o.logger.Info("scheduling step retry",
		zap.String("instance_id", inst.ID.String()),
		zap.String("step", step.Name),
		zap.Int("attempt", attempts+1),
		zap.Duration("backoff", delay))

	correlationID := inst.CorrelationID
	stepIndex := inst.CurrentStep
	o.armTimer(correlationID, delay, func() {
		o.firePendingRetry(correlationID, stepIndex)
	})
	return nil
}

// firePendingRetry republishes the step command once the backoff elapses,
// unless the instance moved on or terminated in the meantime.
func (o *Orchestrator) firePendingRetry(correlationID string, stepIndex int) {
	unlock := o.locks.lock(correlationID)
	defer unlock()

	ctx := o.ctx
	inst, err := o.repo.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		o.logger.Error("failed to reload instance for retry", zap.Error(err))
		return
	}
	if inst.State != models.WorkflowRunning || inst.CurrentStep != stepIndex {
		return
	}
	def, err := o.definitions.Get(inst.DefinitionID)
	if err != nil {
		return
	}
	if err := o.publishStep(ctx, inst, def.Step(stepIndex)); err != nil {
		o.logger.Error("failed to republish step", zap.Error(err))
	}
}

// publishStep publishes the command event for a step and arms its
// deadline. The command carries the instance's correlation id.
func (o *Orchestrator) publishStep(ctx context.Context, inst *models.WorkflowInstance, step *models.StepDefinition) error {
	if step == nil {
		return services.WrapInternal("step index out of range", nil)
	}
	if handlers := o.agents.Find(step.CommandType); len(handlers) == 0 {
		o.logger.Warn("no online agent for step command",
			zap.String("event_type", string(step.CommandType)),
			zap.String("instance_id", inst.ID.String()))
	}

	env := models.NewEnvelope(step.CommandType, inst.TenantID, orchestratorAgentID, map[string]any{
		models.PayloadKeyStatus:    string(models.StatusRequested),
		models.PayloadKeyRequestID: uuid.NewString(),
		step.DomainKey: map[string]any{
			"step":     step.Name,
			"workflow": inst.DefinitionID,
		},
	}).WithCorrelation(inst.CorrelationID)

	if _, err := o.bus.Publish(ctx, env); err != nil {
		return err
	}
	o.armStepDeadline(inst, step)
	return nil
}

// publishControl publishes a workflow lifecycle event.
func (o *Orchestrator) publishControl(inst *models.WorkflowInstance, eventType models.EventType, errMsg string) {
	status := models.StatusCompleted
	payload := map[string]any{
		"workflow": map[string]any{
			"instance_id":   inst.ID.String(),
			"definition_id": inst.DefinitionID,
			"state":         string(inst.State),
		},
	}
	switch eventType {
	case models.EventWorkflowStarted:
		status = models.StatusRequested
	case models.EventWorkflowFailed:
		status = models.StatusFailed
		payload[models.PayloadKeyError] = errMsg
	case models.EventWorkflowCancelled:
		if errMsg != "" {
			payload["reason"] = errMsg
		}
	}
	payload[models.PayloadKeyStatus] = string(status)

	env := models.NewEnvelope(eventType, inst.TenantID, orchestratorAgentID, payload).
		WithCorrelation(inst.CorrelationID)
	if _, err := o.bus.Publish(context.Background(), env); err != nil {
		o.logger.Error("failed to publish control event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

// armStepDeadline synthesizes a failed result when no result event
// arrives before the step deadline. The synthesized failure feeds the
// normal retry path, so an agent that went offline mid-step is retried
// like any other step failure.
func (o *Orchestrator) armStepDeadline(inst *models.WorkflowInstance, step *models.StepDefinition) {
	deadline := step.Deadline
	if deadline <= 0 {
		deadline = o.cfg.DefaultStepDeadline
	}
	if deadline <= 0 {
		return
	}

	correlationID := inst.CorrelationID
	tenantID := inst.TenantID
	failedType := step.CommandType.Failed()
	o.armTimer(correlationID, deadline, func() {
		synthesized := models.NewEnvelope(failedType, tenantID, orchestratorAgentID, map[string]any{
			models.PayloadKeyStatus: string(models.StatusFailed),
			models.PayloadKeyError:  fmt.Sprintf("step deadline %s exceeded", deadline),
		}).WithCorrelation(correlationID)
		synthesized.Timestamp = time.Now()
		if err := o.HandleResult(o.ctx, synthesized); err != nil {
			o.logger.Error("failed to handle synthesized deadline failure", zap.Error(err))
		}
	})
}

// armApprovalExpiry cancels the workflow when a configured approval
// window elapses without a human decision.
func (o *Orchestrator) armApprovalExpiry(inst *models.WorkflowInstance) {
	if o.cfg.ApprovalTimeout <= 0 {
		return
	}
	correlationID := inst.CorrelationID
	instanceID := inst.ID
	o.armTimer(correlationID, o.cfg.ApprovalTimeout, func() {
		unlock := o.locks.lock(correlationID)
		defer unlock()

		current, err := o.repo.GetByID(o.ctx, instanceID)
		if err != nil || current.State != models.WorkflowAwaitingApproval {
			return
		}
		if err := o.transition(o.ctx, current, models.WorkflowCancelled); err != nil {
			o.logger.Error("failed to cancel expired approval", zap.Error(err))
			return
		}
		o.appendAudit(current, models.AuditActionWorkflowCancelled, models.DecisionAllow, "approval window expired")
		o.publishControl(current, models.EventWorkflowCancelled, "approval window expired")
	})
}

func (o *Orchestrator) armTimer(correlationID string, d time.Duration, fn func()) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if old, ok := o.timers[correlationID]; ok {
		old.Stop()
	}
	o.timers[correlationID] = time.AfterFunc(d, func() {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		fn()
	})
}

func (o *Orchestrator) cancelTimer(correlationID string) {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if t, ok := o.timers[correlationID]; ok {
		t.Stop()
		delete(o.timers, correlationID)
	}
}

// transition applies the state machine and persists the instance.
// Terminal states are never re-entered.
func (o *Orchestrator) transition(ctx context.Context, inst *models.WorkflowInstance, next models.WorkflowState) error {
	if !inst.State.CanTransition(next) {
		return services.NewDomainError(services.ErrorTypeInvalidTransition,
			fmt.Sprintf("cannot transition from %s to %s", inst.State, next), nil)
	}
	inst.State = next
	return o.update(ctx, inst)
}

func (o *Orchestrator) update(ctx context.Context, inst *models.WorkflowInstance) error {
	inst.UpdatedAt = time.Now()
	return o.repo.Update(ctx, inst)
}

func (o *Orchestrator) appendAudit(inst *models.WorkflowInstance, action string, decision models.Decision, reason string) {
	o.audit.Append(models.NewAuditEntry(inst.TenantID, orchestratorAgentID, action, decision).
		WithCorrelation(inst.CorrelationID).
		WithReason(reason))
}
