package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
)

func newStoredInstance(t *testing.T, repo *WorkflowRepository, tenantID uuid.UUID) *models.WorkflowInstance {
	t.Helper()
	inst := models.NewWorkflowInstance(tenantID, "software_delivery", uuid.New())
	require.NoError(t, repo.Save(context.Background(), inst))
	return inst
}

func TestWorkflowSaveAndGet(t *testing.T) {
	repo := NewWorkflowRepository(openTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()

	inst := newStoredInstance(t, repo, tenantID)

	got, err := repo.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, tenantID, got.TenantID)
	assert.Equal(t, inst.CorrelationID, got.CorrelationID)
	assert.Equal(t, models.WorkflowPending, got.State)
	assert.Equal(t, inst.InitiatorID, got.InitiatorID)
	assert.NotNil(t, got.RetryCounts)
	assert.WithinDuration(t, inst.CreatedAt, got.CreatedAt, time.Second)

	byCorr, err := repo.GetByCorrelationID(ctx, inst.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byCorr.ID)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, services.ErrWorkflowNotFound)
	_, err = repo.GetByCorrelationID(ctx, "nope")
	assert.ErrorIs(t, err, services.ErrWorkflowNotFound)
}

func TestWorkflowUpdateRoundTripsHistory(t *testing.T) {
	repo := NewWorkflowRepository(openTestDB(t))
	ctx := context.Background()

	inst := newStoredInstance(t, repo, uuid.New())
	inst.State = models.WorkflowRunning
	inst.CurrentStep = 2
	inst.RetryCounts["api_design"] = 1
	inst.RecordStep(models.StepResult{
		Step:        "api_design",
		Status:      models.StatusCompleted,
		AgentID:     "agent-1",
		CompletedAt: time.Now(),
	})
	inst.RecordStep(models.StepResult{
		Step:   "testing",
		Status: models.StatusFailed,
		Error:  "flaky suite",
	})
	inst.UpdatedAt = time.Now()
	require.NoError(t, repo.Update(ctx, inst))

	got, err := repo.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, got.State)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, map[string]int{"api_design": 1}, got.RetryCounts)
	require.Len(t, got.StepHistory, 2)
	assert.Equal(t, "api_design", got.StepHistory[0].Step)
	assert.Equal(t, "flaky suite", got.StepHistory[1].Error)
}

func TestWorkflowUpdateMissing(t *testing.T) {
	repo := NewWorkflowRepository(openTestDB(t))
	inst := models.NewWorkflowInstance(uuid.New(), "software_delivery", uuid.New())

	err := repo.Update(context.Background(), inst)
	assert.ErrorIs(t, err, services.ErrWorkflowNotFound)
}

func TestWorkflowDuplicateCorrelationRejected(t *testing.T) {
	repo := NewWorkflowRepository(openTestDB(t))
	ctx := context.Background()

	inst := newStoredInstance(t, repo, uuid.New())
	dup := models.NewWorkflowInstance(uuid.New(), "software_delivery", uuid.New())
	dup.CorrelationID = inst.CorrelationID

	assert.Error(t, repo.Save(ctx, dup))
}

func TestWorkflowListByStates(t *testing.T) {
	repo := NewWorkflowRepository(openTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()

	running := newStoredInstance(t, repo, tenantID)
	running.State = models.WorkflowRunning
	require.NoError(t, repo.Update(ctx, running))

	awaiting := newStoredInstance(t, repo, tenantID)
	awaiting.State = models.WorkflowAwaitingApproval
	require.NoError(t, repo.Update(ctx, awaiting))

	done := newStoredInstance(t, repo, tenantID)
	done.State = models.WorkflowCompleted
	require.NoError(t, repo.Update(ctx, done))

	got, err := repo.ListByStates(ctx, models.WorkflowRunning, models.WorkflowAwaitingApproval)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []uuid.UUID{got[0].ID, got[1].ID}
	assert.Contains(t, ids, running.ID)
	assert.Contains(t, ids, awaiting.ID)

	empty, err := repo.ListByStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWorkflowCountActiveByTenant(t *testing.T) {
	repo := NewWorkflowRepository(openTestDB(t))
	ctx := context.Background()
	tenantID := uuid.New()

	newStoredInstance(t, repo, tenantID) // pending counts as active
	running := newStoredInstance(t, repo, tenantID)
	running.State = models.WorkflowRunning
	require.NoError(t, repo.Update(ctx, running))

	failed := newStoredInstance(t, repo, tenantID)
	failed.State = models.WorkflowFailed
	require.NoError(t, repo.Update(ctx, failed))

	newStoredInstance(t, repo, uuid.New()) // other tenant

	count, err := repo.CountActiveByTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
