package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services"
)

// PolicyRepository is a repositories.PolicyRepository backed by SQLite.
type PolicyRepository struct {
	db *DB
}

var _ repositories.PolicyRepository = (*PolicyRepository)(nil)

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) Upsert(ctx context.Context, policy *models.PermissionPolicy) error {
	roles, err := json.Marshal(policy.RequiredRoles)
	if err != nil {
		return services.WrapInternal("failed to encode required roles", err)
	}
	var limit sql.NullInt64
	if policy.Limit != nil {
		limit = sql.NullInt64{Int64: int64(*policy.Limit), Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO permission_policies (id, tenant_id, capability, required_roles, usage_limit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, capability) DO UPDATE
		SET required_roles = excluded.required_roles,
		    usage_limit = excluded.usage_limit,
		    updated_at = excluded.updated_at`,
		policy.ID.String(),
		policy.TenantID.String(),
		policy.Capability,
		roles,
		limit,
		policy.UpdatedAt,
	)
	if err != nil {
		return services.WrapUnavailable("failed to upsert policy", err)
	}
	return nil
}

func (r *PolicyRepository) Get(ctx context.Context, tenantID uuid.UUID, capability string) (*models.PermissionPolicy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, capability, required_roles, usage_limit, updated_at
		FROM permission_policies
		WHERE tenant_id = ? AND capability = ?`,
		tenantID.String(), capability)
	return scanPolicy(row)
}

func (r *PolicyRepository) GetByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.PermissionPolicy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, capability, required_roles, usage_limit, updated_at
		FROM permission_policies
		WHERE tenant_id = ?
		ORDER BY capability`,
		tenantID.String())
	if err != nil {
		return nil, services.WrapUnavailable("failed to query policies", err)
	}
	defer rows.Close()

	var policies []*models.PermissionPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, services.WrapUnavailable("failed to read policies", err)
	}
	return policies, nil
}

func (r *PolicyRepository) Delete(ctx context.Context, tenantID uuid.UUID, capability string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM permission_policies WHERE tenant_id = ? AND capability = ?`,
		tenantID.String(), capability)
	if err != nil {
		return services.WrapUnavailable("failed to delete policy", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return services.WrapUnavailable("failed to read delete result", err)
	}
	if affected == 0 {
		return services.ErrPolicyNotFound
	}
	return nil
}

func scanPolicy(row rowScanner) (*models.PermissionPolicy, error) {
	var (
		policy           models.PermissionPolicy
		idStr, tenantStr string
		roles            []byte
		limit            sql.NullInt64
	)
	err := row.Scan(&idStr, &tenantStr, &policy.Capability, &roles, &limit, &policy.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrPolicyNotFound
		}
		return nil, services.WrapUnavailable("failed to read policy", err)
	}
	if policy.ID, err = uuid.Parse(idStr); err != nil {
		return nil, services.WrapInternal("corrupt policy id", err)
	}
	if policy.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, services.WrapInternal("corrupt tenant id", err)
	}
	if err := json.Unmarshal(roles, &policy.RequiredRoles); err != nil {
		return nil, services.WrapInternal("corrupt required roles", err)
	}
	if limit.Valid {
		v := int(limit.Int64)
		policy.Limit = &v
	}
	return &policy, nil
}
