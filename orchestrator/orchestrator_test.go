package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/bus"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
	"github.com/upb/agent-control-plane/services/audit"
	"github.com/upb/agent-control-plane/services/registry"
)

// memWorkflowRepo is an in-memory WorkflowRepository. Reads return copies
// so tests exercise the orchestrator's reload-under-lock behavior the same
// way the SQL store does.
type memWorkflowRepo struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*models.WorkflowInstance
	byCorr map[string]uuid.UUID
}

func newMemWorkflowRepo() *memWorkflowRepo {
	return &memWorkflowRepo{
		byID:   make(map[uuid.UUID]*models.WorkflowInstance),
		byCorr: make(map[string]uuid.UUID),
	}
}

func copyInstance(inst *models.WorkflowInstance) *models.WorkflowInstance {
	cp := *inst
	cp.StepHistory = append([]models.StepResult(nil), inst.StepHistory...)
	cp.RetryCounts = make(map[string]int, len(inst.RetryCounts))
	for k, v := range inst.RetryCounts {
		cp.RetryCounts[k] = v
	}
	return &cp
}

func (r *memWorkflowRepo) Save(_ context.Context, inst *models.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[inst.ID] = copyInstance(inst)
	r.byCorr[inst.CorrelationID] = inst.ID
	return nil
}

func (r *memWorkflowRepo) Update(_ context.Context, inst *models.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[inst.ID]; !ok {
		return services.ErrWorkflowNotFound
	}
	r.byID[inst.ID] = copyInstance(inst)
	return nil
}

func (r *memWorkflowRepo) GetByID(_ context.Context, id uuid.UUID) (*models.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byID[id]
	if !ok {
		return nil, services.ErrWorkflowNotFound
	}
	return copyInstance(inst), nil
}

func (r *memWorkflowRepo) GetByCorrelationID(_ context.Context, correlationID string) (*models.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCorr[correlationID]
	if !ok {
		return nil, services.ErrWorkflowNotFound
	}
	return copyInstance(r.byID[id]), nil
}

func (r *memWorkflowRepo) ListByStates(_ context.Context, states ...models.WorkflowState) ([]*models.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WorkflowInstance
	for _, inst := range r.byID {
		for _, state := range states {
			if inst.State == state {
				out = append(out, copyInstance(inst))
				break
			}
		}
	}
	return out, nil
}

func (r *memWorkflowRepo) CountActiveByTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, inst := range r.byID {
		if inst.TenantID == tenantID && !inst.IsTerminal() {
			count++
		}
	}
	return count, nil
}

type memAuditRepo struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (r *memAuditRepo) Insert(_ context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memAuditRepo) GetByTenant(context.Context, uuid.UUID, int, int) ([]*models.AuditEntry, error) {
	return nil, nil
}

func (r *memAuditRepo) GetByCorrelationID(context.Context, string) ([]*models.AuditEntry, error) {
	return nil, nil
}

func (r *memAuditRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

// allowGate authorizes everything; a non-nil err makes it refuse instead.
type allowGate struct {
	err error
}

func (g *allowGate) Authorize(context.Context, *models.Principal, string, uuid.UUID) error {
	return g.err
}

type orchEnv struct {
	repo      *memWorkflowRepo
	auditRepo *memAuditRepo
	auditSvc  *audit.Service
	bus       *bus.Bus
	agents    *registry.Registry
	gate      *allowGate
	orch      *Orchestrator
}

func miniDeliveryDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "mini_delivery",
		Steps: []models.StepDefinition{
			{Name: "api_design", CommandType: models.EventAPIDesignRequested, DomainKey: "api_design"},
			{Name: "testing", CommandType: models.EventTestingRequested, DomainKey: "testing"},
			{Name: "release", CommandType: models.EventReleaseRequested, DomainKey: "release", RequiresApproval: true},
		},
	}
}

func newOrchEnv(t *testing.T, cfg Config) *orchEnv {
	t.Helper()
	logger := zap.NewNop()

	auditRepo := &memAuditRepo{}
	auditSvc := audit.NewService(auditRepo, logger, audit.Config{
		BufferSize:     64,
		WorkerCount:    1,
		EnqueueTimeout: 10 * time.Millisecond,
		InsertRetries:  1,
		RetryBackoff:   time.Millisecond,
	})
	require.NoError(t, auditSvc.Start())

	defs := NewDefinitionRegistry()
	require.NoError(t, defs.Register(miniDeliveryDefinition()))

	env := &orchEnv{
		repo:      newMemWorkflowRepo(),
		auditRepo: auditRepo,
		auditSvc:  auditSvc,
		bus:       bus.New(nil, bus.DefaultConfig(), logger),
		agents:    registry.New(registry.DefaultConfig(), logger),
		gate:      &allowGate{},
	}
	env.orch = New(env.repo, defs, env.gate, env.bus, env.agents, auditSvc, logger, cfg)

	t.Cleanup(func() {
		env.orch.Stop()
		env.bus.Close()
		_ = auditSvc.Stop(time.Second)
	})
	return env
}

func quietConfig() Config {
	return Config{
		Retry: RetryPolicy{
			MaxAttempts:       1,
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxBackoff:        time.Second,
		},
		DefaultStepDeadline: time.Minute,
	}
}

// watch subscribes a bystander to the given event types.
func (e *orchEnv) watch(t *testing.T, types ...models.EventType) *bus.Subscription {
	t.Helper()
	sub, err := e.bus.Subscribe("watcher-"+uuid.NewString(), types...)
	require.NoError(t, err)
	return sub
}

func nextEvent(t *testing.T, sub *bus.Subscription) *models.EventEnvelope {
	t.Helper()
	select {
	case env, ok := <-sub.C:
		require.True(t, ok, "watcher subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func principalFor(tenantID uuid.UUID) *models.Principal {
	return &models.Principal{
		UserID:   uuid.New(),
		TenantID: tenantID,
		Roles:    []string{"developer"},
	}
}

func resultFor(inst *models.WorkflowInstance, eventType models.EventType, status models.EventStatus, errMsg string) *models.EventEnvelope {
	payload := map[string]any{
		models.PayloadKeyStatus: string(status),
	}
	if errMsg != "" {
		payload[models.PayloadKeyError] = errMsg
	}
	env := models.NewEnvelope(eventType, inst.TenantID, "agent-1", payload).
		WithCorrelation(inst.CorrelationID)
	env.Timestamp = time.Now()
	return env
}

func instanceState(t *testing.T, env *orchEnv, id uuid.UUID) *models.WorkflowInstance {
	t.Helper()
	inst, err := env.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestStartPublishesFirstCommand(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()
	sub := env.watch(t, models.EventWorkflowStarted, models.EventAPIDesignRequested)

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, inst.State)
	assert.Equal(t, 0, inst.CurrentStep)
	assert.NotEmpty(t, inst.CorrelationID)

	started := nextEvent(t, sub)
	assert.Equal(t, models.EventWorkflowStarted, started.Type)
	assert.Equal(t, inst.CorrelationID, started.CorrelationID)

	command := nextEvent(t, sub)
	assert.Equal(t, models.EventAPIDesignRequested, command.Type)
	assert.Equal(t, inst.CorrelationID, command.CorrelationID)
	assert.Equal(t, models.StatusRequested, command.Status())
	assert.NotEmpty(t, command.Payload[models.PayloadKeyRequestID])

	domain, ok := command.Payload["api_design"].(map[string]any)
	require.True(t, ok, "command must carry the step's domain key")
	assert.Equal(t, "api_design", domain["step"])
	assert.Equal(t, "mini_delivery", domain["workflow"])
}

func TestStartUnknownDefinition(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	tenantID := uuid.New()

	_, err := env.orch.Start(context.Background(), principalFor(tenantID), "nope", tenantID)
	assert.ErrorIs(t, err, services.ErrDefinitionNotFound)
}

func TestStartRefusedByGate(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	env.gate.err = services.ErrTenantMismatch
	tenantID := uuid.New()

	_, err := env.orch.Start(context.Background(), principalFor(tenantID), "mini_delivery", tenantID)
	assert.ErrorIs(t, err, services.ErrTenantMismatch)

	instances, err := env.repo.ListByStates(context.Background(),
		models.WorkflowPending, models.WorkflowRunning)
	require.NoError(t, err)
	assert.Empty(t, instances, "a refused start must not leave an instance behind")
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()
	sub := env.watch(t,
		models.EventAPIDesignRequested,
		models.EventTestingRequested,
		models.EventReleaseRequested,
		models.EventWorkflowCompleted,
	)

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.EventAPIDesignRequested, nextEvent(t, sub).Type)

	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventAPIDesignCompleted, models.StatusCompleted, "")))
	assert.Equal(t, models.EventTestingRequested, nextEvent(t, sub).Type)
	assert.Equal(t, 1, instanceState(t, env, inst.ID).CurrentStep)

	// The release step sits behind an approval gate: completing testing
	// pauses instead of publishing the release command.
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventTestingCompleted, models.StatusCompleted, "")))
	paused := instanceState(t, env, inst.ID)
	assert.Equal(t, models.WorkflowAwaitingApproval, paused.State)
	assert.Equal(t, 2, paused.CurrentStep)

	require.NoError(t, env.orch.Approve(ctx, principalFor(tenantID), inst.ID))
	assert.Equal(t, models.EventReleaseRequested, nextEvent(t, sub).Type)
	assert.Equal(t, models.WorkflowRunning, instanceState(t, env, inst.ID).State)

	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventReleaseCompleted, models.StatusCompleted, "")))
	assert.Equal(t, models.EventWorkflowCompleted, nextEvent(t, sub).Type)

	final := instanceState(t, env, inst.ID)
	assert.Equal(t, models.WorkflowCompleted, final.State)
	assert.Len(t, final.StepHistory, 3)
	for _, result := range final.StepHistory {
		assert.Equal(t, models.StatusCompleted, result.Status)
	}
}

func TestApproveOutsideApprovalGate(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)

	err = env.orch.Approve(ctx, principalFor(tenantID), inst.ID)
	assert.True(t, services.IsInvalidTransitionError(err))
	assert.Equal(t, models.WorkflowRunning, instanceState(t, env, inst.ID).State,
		"a refused approval must not change state")
}

func TestRejectCancelsWorkflow(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()
	sub := env.watch(t, models.EventWorkflowCancelled)

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventAPIDesignCompleted, models.StatusCompleted, "")))
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventTestingCompleted, models.StatusCompleted, "")))
	require.Equal(t, models.WorkflowAwaitingApproval, instanceState(t, env, inst.ID).State)

	require.NoError(t, env.orch.Reject(ctx, principalFor(tenantID), inst.ID))
	assert.Equal(t, models.WorkflowCancelled, instanceState(t, env, inst.ID).State)
	assert.Equal(t, models.EventWorkflowCancelled, nextEvent(t, sub).Type)
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()
	sub := env.watch(t, models.EventWorkflowCancelled)

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)

	require.NoError(t, env.orch.Cancel(ctx, principalFor(tenantID), inst.ID))
	assert.Equal(t, models.WorkflowCancelled, instanceState(t, env, inst.ID).State)
	assert.Equal(t, models.EventWorkflowCancelled, nextEvent(t, sub).Type)

	// Terminal states are dead ends.
	err = env.orch.Cancel(ctx, principalFor(tenantID), inst.ID)
	assert.True(t, services.IsInvalidTransitionError(err))
}

func TestResultForTerminalInstanceIsDropped(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)
	require.NoError(t, env.orch.Cancel(ctx, principalFor(tenantID), inst.ID))

	// A late agent result must not resurrect the cancelled workflow.
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventAPIDesignCompleted, models.StatusCompleted, "")))
	final := instanceState(t, env, inst.ID)
	assert.Equal(t, models.WorkflowCancelled, final.State)
	assert.Equal(t, 0, final.CurrentStep)

	require.NoError(t, env.auditSvc.Stop(time.Second))
	assert.Contains(t, env.auditRepo.actions(), models.AuditActionEventDropped)
}

func TestDuplicateResultIsIdempotent(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()
	sub := env.watch(t, models.EventTestingRequested)

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)

	result := resultFor(inst, models.EventAPIDesignCompleted, models.StatusCompleted, "")
	require.NoError(t, env.orch.HandleResult(ctx, result))
	require.NoError(t, env.orch.HandleResult(ctx, result.Clone()))

	after := instanceState(t, env, inst.ID)
	assert.Equal(t, 1, after.CurrentStep, "duplicate result must not double-advance")
	assert.Len(t, after.StepHistory, 1)

	// Exactly one testing command, not two.
	nextEvent(t, sub)
	select {
	case extra := <-sub.C:
		t.Fatalf("duplicate result republished %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResultForUnknownCorrelationIsIgnored(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	fake := &models.WorkflowInstance{TenantID: uuid.New(), CorrelationID: "no-such-workflow"}

	err := env.orch.HandleResult(context.Background(),
		resultFor(fake, models.EventAPIDesignCompleted, models.StatusCompleted, ""))
	assert.NoError(t, err)
}

func TestNonResultEventsAreIgnored(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)

	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventAPIDesignRequested, models.StatusRequested, "")))
	assert.Equal(t, 0, instanceState(t, env, inst.ID).CurrentStep)
}

func TestStepRetriesThenWorkflowFails(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()
	commands := env.watch(t, models.EventAPIDesignRequested)
	failures := env.watch(t, models.EventWorkflowFailed)

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)
	nextEvent(t, commands)

	// First failure: one retry attempt remains, so the command is
	// republished after the backoff.
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventAPIDesignFailed, models.StatusFailed, "designer crashed")))
	retried := instanceState(t, env, inst.ID)
	assert.Equal(t, models.WorkflowRunning, retried.State)
	assert.Equal(t, 1, retried.RetryCounts["api_design"])
	assert.Equal(t, models.EventAPIDesignRequested, nextEvent(t, commands).Type)

	// Second failure exhausts the budget.
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventAPIDesignFailed, models.StatusFailed, "designer crashed again")))
	final := instanceState(t, env, inst.ID)
	assert.Equal(t, models.WorkflowFailed, final.State)

	failed := nextEvent(t, failures)
	assert.Equal(t, inst.CorrelationID, failed.CorrelationID)
	assert.Equal(t, "designer crashed again", failed.ErrorMessage())
	assert.Len(t, final.StepHistory, 2)
}

func TestStepDeadlineSynthesizesFailure(t *testing.T) {
	cfg := quietConfig()
	cfg.DefaultStepDeadline = 20 * time.Millisecond
	cfg.Retry.MaxAttempts = 0
	env := newOrchEnv(t, cfg)
	ctx := context.Background()
	tenantID := uuid.New()

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return instanceState(t, env, inst.ID).State == models.WorkflowFailed
	}, 2*time.Second, 10*time.Millisecond, "silent step must fail via its deadline")

	history := instanceState(t, env, inst.ID).StepHistory
	require.NotEmpty(t, history)
	assert.Contains(t, history[0].Error, "deadline")
}

func TestApprovalWindowExpiryCancels(t *testing.T) {
	cfg := quietConfig()
	cfg.ApprovalTimeout = 20 * time.Millisecond
	env := newOrchEnv(t, cfg)
	ctx := context.Background()
	tenantID := uuid.New()

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventAPIDesignCompleted, models.StatusCompleted, "")))
	require.NoError(t, env.orch.HandleResult(ctx,
		resultFor(inst, models.EventTestingCompleted, models.StatusCompleted, "")))
	require.Equal(t, models.WorkflowAwaitingApproval, instanceState(t, env, inst.ID).State)

	assert.Eventually(t, func() bool {
		return instanceState(t, env, inst.ID).State == models.WorkflowCancelled
	}, 2*time.Second, 10*time.Millisecond, "unanswered approval must expire")
}

func TestGetInstanceEnforcesTenantScope(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)

	_, err = env.orch.GetInstance(ctx, principalFor(tenantID), inst.ID)
	assert.NoError(t, err)

	_, err = env.orch.GetInstance(ctx, principalFor(uuid.New()), inst.ID)
	assert.ErrorIs(t, err, services.ErrTenantMismatch)

	admin := principalFor(uuid.New())
	admin.Permissions = []string{models.PermissionCrossTenant}
	_, err = env.orch.GetInstance(ctx, admin, inst.ID)
	assert.NoError(t, err)
}

func TestRunResumesInFlightInstances(t *testing.T) {
	cfg := quietConfig()
	cfg.DefaultStepDeadline = 20 * time.Millisecond
	cfg.Retry.MaxAttempts = 0
	env := newOrchEnv(t, cfg)
	ctx := context.Background()
	tenantID := uuid.New()

	// An instance left running by a previous process: no timer is armed
	// for it until resume re-arms the step deadline.
	inst := models.NewWorkflowInstance(tenantID, "mini_delivery", uuid.New())
	inst.State = models.WorkflowRunning
	require.NoError(t, env.repo.Save(ctx, inst))

	require.NoError(t, env.orch.Run(ctx))

	assert.Eventually(t, func() bool {
		return instanceState(t, env, inst.ID).State == models.WorkflowFailed
	}, 2*time.Second, 10*time.Millisecond, "resumed instance must regain its deadline watchdog")
}

func TestRunConsumesResultsFromBus(t *testing.T) {
	env := newOrchEnv(t, quietConfig())
	ctx := context.Background()
	tenantID := uuid.New()
	require.NoError(t, env.orch.Run(ctx))

	inst, err := env.orch.Start(ctx, principalFor(tenantID), "mini_delivery", tenantID)
	require.NoError(t, err)

	// Results published on the bus, not injected directly, must advance
	// the workflow.
	_, err = env.bus.Publish(ctx,
		resultFor(inst, models.EventAPIDesignCompleted, models.StatusCompleted, ""))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return instanceState(t, env, inst.ID).CurrentStep == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunWithoutDefinitions(t *testing.T) {
	logger := zap.NewNop()
	b := bus.New(nil, bus.DefaultConfig(), logger)
	defer b.Close()
	orch := New(newMemWorkflowRepo(), NewDefinitionRegistry(), &allowGate{}, b,
		registry.New(registry.DefaultConfig(), logger), nil, logger, quietConfig())
	defer orch.Stop()

	assert.Error(t, orch.Run(context.Background()))
}
