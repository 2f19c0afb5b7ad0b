package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
	"github.com/upb/agent-control-plane/services/audit"
	"github.com/upb/agent-control-plane/services/policy"
	"github.com/upb/agent-control-plane/services/ratelimit"
)

// Authorizer decides whether a principal may use a capability on a tenant.
// Every call emits exactly one audit entry, whatever the outcome.
type Authorizer interface {
	Authorize(ctx context.Context, principal *models.Principal, capability string, tenantID uuid.UUID) error
}

// SnapshotProvider supplies immutable per-tenant policy snapshots.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, tenantID uuid.UUID) (*policy.Snapshot, error)
}

// UsageCounter answers current numeric usage for a tenant capability,
// backing policy limits such as max concurrent workflows.
type UsageCounter interface {
	CurrentUsage(ctx context.Context, tenantID uuid.UUID, capability string) (int, error)
}

// GateConfig bounds the retry behavior for transient backing-store errors
// during the limit check.
type GateConfig struct {
	StoreRetries int
	StoreBackoff time.Duration
}

// DefaultGateConfig returns the default gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		StoreRetries: 3,
		StoreBackoff: 50 * time.Millisecond,
	}
}

// Gate is the production Authorizer. The check order is: tenant scope,
// role set, request-rate ceiling, numeric policy limit. Denials are
// terminal for the calling request; only transient store errors are
// retried before surfacing unavailable.
type Gate struct {
	policies SnapshotProvider
	usage    UsageCounter
	limiter  *ratelimit.Service
	audit    *audit.Service
	logger   *zap.Logger
	cfg      GateConfig
}

var _ Authorizer = (*Gate)(nil)

// NewGate creates a Gate. limiter may be nil to disable request ceilings.
func NewGate(policies SnapshotProvider, usage UsageCounter, limiter *ratelimit.Service, auditSvc *audit.Service, logger *zap.Logger, cfg GateConfig) *Gate {
	return &Gate{
		policies: policies,
		usage:    usage,
		limiter:  limiter,
		audit:    auditSvc,
		logger:   logger,
		cfg:      cfg,
	}
}

// Authorize implements Authorizer.
func (g *Gate) Authorize(ctx context.Context, principal *models.Principal, capability string, tenantID uuid.UUID) error {
	decision := models.DecisionDeny
	reason := ""
	defer func() {
		actor := ""
		if principal != nil {
			actor = principal.UserID.String()
		}
		g.audit.Append(models.NewAuditEntry(tenantID, actor, models.AuditActionAuthorize, decision).
			WithReason(fmt.Sprintf("capability=%s %s", capability, reason)))
	}()

	if principal == nil {
		reason = "no principal"
		return services.ErrUnauthenticated
	}
	if principal.Expired(time.Now()) {
		reason = "credential expired"
		return services.ErrTokenExpired
	}

	// Tenant scope: a principal acts on its own tenant unless it holds
	// cross-tenant admin rights.
	if principal.TenantID != tenantID && !principal.IsCrossTenantAdmin() {
		reason = "tenant mismatch"
		g.logger.Warn("cross-tenant access denied",
			zap.String("principal_tenant", principal.TenantID.String()),
			zap.String("target_tenant", tenantID.String()),
			zap.String("capability", capability))
		return services.ErrTenantMismatch
	}

	snap, err := g.snapshotWithRetry(ctx, tenantID)
	if err != nil {
		reason = "policy store unavailable"
		return err
	}

	pol := snap.Policy(capability)
	if pol == nil {
		reason = "no policy for capability"
		return services.ErrForbidden
	}
	if !principal.HasAnyRole(pol.RequiredRoles) && !principal.HasPermission(capability) {
		reason = "missing required role"
		return services.ErrForbidden
	}

	// Request-count ceiling, independent of workflow retry/backoff.
	if g.limiter != nil {
		res, err := g.limiter.Check(ctx, tenantID, capability)
		if err != nil {
			reason = "rate limit store unavailable"
			return services.WrapUnavailable("rate limit check failed", err)
		}
		if !res.Allowed {
			reason = res.Reason
			return services.ErrLimitExceeded
		}
	}

	// Numeric policy limit, e.g. max concurrent workflows.
	if pol.HasLimit() {
		current, err := g.usageWithRetry(ctx, tenantID, capability)
		if err != nil {
			reason = "usage store unavailable"
			return err
		}
		if current >= *pol.Limit {
			reason = fmt.Sprintf("limit %d reached (current %d)", *pol.Limit, current)
			return services.NewDomainError(services.ErrorTypeLimitExceeded, "usage limit exceeded", nil).
				WithDetail("limit", *pol.Limit).
				WithDetail("current", current)
		}
	}

	if g.limiter != nil {
		if err := g.limiter.Record(ctx, tenantID, capability); err != nil {
			// The decision stands; the missed event only loosens the
			// window by one request.
			g.logger.Warn("failed to record rate limit event", zap.Error(err))
		}
	}

	decision = models.DecisionAllow
	reason = fmt.Sprintf("policy version %d", snap.Version)
	return nil
}

func (g *Gate) snapshotWithRetry(ctx context.Context, tenantID uuid.UUID) (*policy.Snapshot, error) {
	var snap *policy.Snapshot
	err := g.retryTransient(ctx, func() error {
		var err error
		snap, err = g.policies.Snapshot(ctx, tenantID)
		return err
	})
	return snap, err
}

func (g *Gate) usageWithRetry(ctx context.Context, tenantID uuid.UUID, capability string) (int, error) {
	var usage int
	err := g.retryTransient(ctx, func() error {
		var err error
		usage, err = g.usage.CurrentUsage(ctx, tenantID, capability)
		return err
	})
	return usage, err
}

// retryTransient runs fn, retrying unavailable errors with exponential
// backoff up to the configured attempt count. Non-transient errors return
// immediately.
func (g *Gate) retryTransient(ctx context.Context, fn func() error) error {
	backoff := g.cfg.StoreBackoff
	var lastErr error
	for attempt := 1; attempt <= g.cfg.StoreRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !services.IsUnavailableError(lastErr) {
			return lastErr
		}
		if attempt < g.cfg.StoreRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return services.WrapUnavailable("cancelled while retrying backing store", ctx.Err())
			}
			backoff *= 2
		}
	}
	return lastErr
}
