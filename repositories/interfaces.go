// Package repositories defines the persistence contracts for the control
// plane. Workflow instances and audit entries must survive process
// restart; implementations live in subpackages.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-control-plane/models"
)

// WorkflowRepository handles workflow instance persistence.
type WorkflowRepository interface {
	// Save inserts a new workflow instance.
	Save(ctx context.Context, instance *models.WorkflowInstance) error

	// Update persists the current state of an existing instance.
	Update(ctx context.Context, instance *models.WorkflowInstance) error

	// GetByID retrieves an instance by its id.
	GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error)

	// GetByCorrelationID retrieves the instance owning a correlation id.
	GetByCorrelationID(ctx context.Context, correlationID string) (*models.WorkflowInstance, error)

	// ListByStates retrieves all instances in any of the given states.
	// Used on startup to resume in-flight workflows.
	ListByStates(ctx context.Context, states ...models.WorkflowState) ([]*models.WorkflowInstance, error)

	// CountActiveByTenant counts a tenant's non-terminal instances. Backs
	// the concurrent-workflow limit check.
	CountActiveByTenant(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// AuditRepository handles append-only audit entry persistence.
type AuditRepository interface {
	// Insert appends a new audit entry. Entries are never updated or
	// deleted.
	Insert(ctx context.Context, entry *models.AuditEntry) error

	// GetByTenant retrieves a tenant's entries, newest first, with
	// pagination.
	GetByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEntry, error)

	// GetByCorrelationID retrieves all entries for one workflow execution.
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*models.AuditEntry, error)
}

// PolicyRepository handles permission policy persistence.
type PolicyRepository interface {
	// Upsert creates or replaces the policy for a tenant capability.
	Upsert(ctx context.Context, policy *models.PermissionPolicy) error

	// Get retrieves the policy for a tenant capability.
	Get(ctx context.Context, tenantID uuid.UUID, capability string) (*models.PermissionPolicy, error)

	// GetByTenant retrieves all policies for a tenant.
	GetByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.PermissionPolicy, error)

	// Delete removes the policy for a tenant capability.
	Delete(ctx context.Context, tenantID uuid.UUID, capability string) error
}

// RateLimitRepository records and counts request events for the
// sliding-window rate limiter.
type RateLimitRepository interface {
	// Record inserts one request event for a scope key.
	Record(ctx context.Context, scopeKey string, timestamp time.Time) error

	// CountSince counts request events for a scope key at or after the
	// window start.
	CountSince(ctx context.Context, scopeKey string, windowStart time.Time) (int, error)

	// DeleteBefore removes events older than the cutoff. Returns the
	// number of rows removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Workflows  WorkflowRepository
	AuditLogs  AuditRepository
	Policies   PolicyRepository
	RateLimits RateLimitRepository
}
