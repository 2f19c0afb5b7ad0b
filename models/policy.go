package models

import (
	"time"

	"github.com/google/uuid"
)

// Well-known capability names. Capabilities are open-ended strings; these
// are the ones the control plane itself checks.
const (
	CapabilityExecuteWorkflows = "execute_workflows"
	CapabilityApproveWorkflows = "approve_workflows"
	CapabilityManagePolicies   = "manage_policies"
	CapabilityPublishEvents    = "publish_events"
	CapabilityReadAudit        = "read_audit"
)

// PermissionPolicy maps one tenant capability to the role set that may use
// it, with an optional numeric limit (for example, max concurrent
// workflows). Policies are loaded at tenant onboarding, mutated by admin
// actions, and cached with explicit invalidation on update.
type PermissionPolicy struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Capability    string    `json:"capability"`
	RequiredRoles []string  `json:"required_roles"`
	Limit         *int      `json:"limit,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewPermissionPolicy creates a policy for a tenant capability.
func NewPermissionPolicy(tenantID uuid.UUID, capability string, roles ...string) *PermissionPolicy {
	return &PermissionPolicy{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Capability:    capability,
		RequiredRoles: roles,
		UpdatedAt:     time.Now(),
	}
}

// WithLimit sets the numeric limit and returns the policy.
func (p *PermissionPolicy) WithLimit(limit int) *PermissionPolicy {
	p.Limit = &limit
	return p
}

// HasLimit reports whether a numeric limit is configured.
func (p *PermissionPolicy) HasLimit() bool {
	return p.Limit != nil
}
