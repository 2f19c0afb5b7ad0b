// Package policy serves per-tenant capability policies as immutable,
// versioned snapshots. Updates produce a new snapshot; readers never block
// writers.
package policy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services"
)

// Snapshot is an immutable view of one tenant's policies, taken at a
// version. Authorization calls hold a snapshot for their whole evaluation
// so a concurrent policy update cannot change the rules mid-check.
type Snapshot struct {
	TenantID uuid.UUID
	Version  uint64
	policies map[string]*models.PermissionPolicy
}

// NewSnapshot builds a snapshot from a policy list, keyed by capability.
func NewSnapshot(tenantID uuid.UUID, version uint64, policies []*models.PermissionPolicy) *Snapshot {
	byCapability := make(map[string]*models.PermissionPolicy, len(policies))
	for _, p := range policies {
		byCapability[p.Capability] = p
	}
	return &Snapshot{
		TenantID: tenantID,
		Version:  version,
		policies: byCapability,
	}
}

// Policy returns the policy for a capability, or nil when the tenant has
// none configured for it.
func (s *Snapshot) Policy(capability string) *models.PermissionPolicy {
	return s.policies[capability]
}

// Len returns the number of policies in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.policies)
}

// Service loads, caches, and mutates tenant permission policies.
type Service struct {
	repo    repositories.PolicyRepository
	cache   *Cache
	logger  *zap.Logger
	version atomic.Uint64
}

// NewService creates a policy Service.
func NewService(repo repositories.PolicyRepository, cache *Cache, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		logger: logger,
	}
}

// Snapshot returns the tenant's current policy snapshot, from cache when
// fresh, otherwise loaded from the store.
func (s *Service) Snapshot(ctx context.Context, tenantID uuid.UUID) (*Snapshot, error) {
	key := CacheKey{TenantID: tenantID}
	if snap := s.cache.Get(key); snap != nil {
		return snap, nil
	}

	policies, err := s.repo.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(tenantID, s.version.Add(1), policies)
	s.cache.Set(key, snap)

	s.logger.Debug("loaded policy snapshot",
		zap.String("tenant_id", tenantID.String()),
		zap.Uint64("version", snap.Version),
		zap.Int("policies", snap.Len()))
	return snap, nil
}

// Upsert creates or replaces a tenant capability policy and invalidates
// the tenant's cached snapshot.
func (s *Service) Upsert(ctx context.Context, p *models.PermissionPolicy) error {
	if p.Capability == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "capability is required", nil)
	}
	if len(p.RequiredRoles) == 0 {
		return services.NewDomainError(services.ErrorTypeValidation, "at least one required role", nil)
	}
	p.UpdatedAt = time.Now()
	if err := s.repo.Upsert(ctx, p); err != nil {
		return err
	}
	s.cache.Invalidate(CacheKey{TenantID: p.TenantID})

	s.logger.Info("policy updated",
		zap.String("tenant_id", p.TenantID.String()),
		zap.String("capability", p.Capability),
		zap.Strings("required_roles", p.RequiredRoles))
	return nil
}

// Delete removes a tenant capability policy and invalidates the cache.
func (s *Service) Delete(ctx context.Context, tenantID uuid.UUID, capability string) error {
	if err := s.repo.Delete(ctx, tenantID, capability); err != nil {
		return err
	}
	s.cache.Invalidate(CacheKey{TenantID: tenantID})
	return nil
}
