package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services"
)

// WorkflowRepository is a repositories.WorkflowRepository backed by SQLite.
type WorkflowRepository struct {
	db *DB
}

var _ repositories.WorkflowRepository = (*WorkflowRepository)(nil)

// NewWorkflowRepository creates a WorkflowRepository.
func NewWorkflowRepository(db *DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	history, retries, err := encodeInstanceBlobs(instance)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, tenant_id, definition_id, correlation_id, current_step, state,
			 step_history, retry_counts, initiator_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID.String(),
		instance.TenantID.String(),
		instance.DefinitionID,
		instance.CorrelationID,
		instance.CurrentStep,
		string(instance.State),
		history,
		retries,
		instance.InitiatorID.String(),
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return services.WrapUnavailable("failed to insert workflow instance", err)
	}
	return nil
}

func (r *WorkflowRepository) Update(ctx context.Context, instance *models.WorkflowInstance) error {
	history, retries, err := encodeInstanceBlobs(instance)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET current_step = ?, state = ?, step_history = ?, retry_counts = ?, updated_at = ?
		WHERE id = ?`,
		instance.CurrentStep,
		string(instance.State),
		history,
		retries,
		instance.UpdatedAt,
		instance.ID.String(),
	)
	if err != nil {
		return services.WrapUnavailable("failed to update workflow instance", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.WrapUnavailable("failed to read update result", err)
	}
	if affected == 0 {
		return services.ErrWorkflowNotFound
	}
	return nil
}

const instanceColumns = `id, tenant_id, definition_id, correlation_id, current_step, state,
	step_history, retry_counts, initiator_id, created_at, updated_at`

func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id.String())
	return scanInstance(row)
}

func (r *WorkflowRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.WorkflowInstance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE correlation_id = ?`, correlationID)
	return scanInstance(row)
}

func (r *WorkflowRepository) ListByStates(ctx context.Context, states ...models.WorkflowState) ([]*models.WorkflowInstance, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE state IN (`+placeholders+`) ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, services.WrapUnavailable("failed to list workflow instances", err)
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, services.WrapUnavailable("failed to read workflow instances", err)
	}
	return instances, nil
}

func (r *WorkflowRepository) CountActiveByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workflow_instances
		WHERE tenant_id = ? AND state IN (?, ?, ?)`,
		tenantID.String(),
		string(models.WorkflowPending),
		string(models.WorkflowRunning),
		string(models.WorkflowAwaitingApproval),
	).Scan(&count)
	if err != nil {
		return 0, services.WrapUnavailable("failed to count active workflows", err)
	}
	return count, nil
}

func encodeInstanceBlobs(instance *models.WorkflowInstance) (history, retries []byte, err error) {
	history, err = json.Marshal(instance.StepHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode step history: %w", err)
	}
	retries, err = json.Marshal(instance.RetryCounts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode retry counts: %w", err)
	}
	return history, retries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		inst                        models.WorkflowInstance
		idStr, tenantStr, initStr   string
		stateStr                    string
		history, retries            []byte
	)
	err := row.Scan(&idStr, &tenantStr, &inst.DefinitionID, &inst.CorrelationID,
		&inst.CurrentStep, &stateStr, &history, &retries, &initStr,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrWorkflowNotFound
		}
		return nil, services.WrapUnavailable("failed to read workflow instance", err)
	}

	if inst.ID, err = uuid.Parse(idStr); err != nil {
		return nil, services.WrapInternal("corrupt workflow id", err)
	}
	if inst.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, services.WrapInternal("corrupt tenant id", err)
	}
	if inst.InitiatorID, err = uuid.Parse(initStr); err != nil {
		return nil, services.WrapInternal("corrupt initiator id", err)
	}
	inst.State = models.WorkflowState(stateStr)

	if len(history) > 0 {
		if err := json.Unmarshal(history, &inst.StepHistory); err != nil {
			return nil, services.WrapInternal("corrupt step history", err)
		}
	}
	inst.RetryCounts = make(map[string]int)
	if len(retries) > 0 {
		if err := json.Unmarshal(retries, &inst.RetryCounts); err != nil {
			return nil, services.WrapInternal("corrupt retry counts", err)
		}
	}
	return &inst, nil
}
