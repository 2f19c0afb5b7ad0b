package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services/audit"
)

// Bypass is a development-only Authorizer that allows every request. It is
// a separate strategy implementing the same interface as Gate, never an
// in-line conditional in the production path, and its constructor refuses
// production configurations outright. Every use is audited with the
// distinct bypass decision kind.
type Bypass struct {
	audit  *audit.Service
	logger *zap.Logger
}

var _ Authorizer = (*Bypass)(nil)

// NewBypass creates the bypass authorizer. production must reflect the
// deployment flag; a production-grade environment can never construct one.
func NewBypass(production bool, auditSvc *audit.Service, logger *zap.Logger) (*Bypass, error) {
	if production {
		return nil, fmt.Errorf("authorization bypass is not available in production")
	}
	logger.Warn("authorization bypass enabled; every request will be allowed")
	return &Bypass{audit: auditSvc, logger: logger}, nil
}

// Authorize implements Authorizer.
func (b *Bypass) Authorize(_ context.Context, principal *models.Principal, capability string, tenantID uuid.UUID) error {
	actor := ""
	if principal != nil {
		actor = principal.UserID.String()
	}
	b.audit.Append(models.NewAuditEntry(tenantID, actor, models.AuditActionAuthorize, models.DecisionBypass).
		WithReason(fmt.Sprintf("capability=%s development bypass", capability)))
	b.logger.Debug("authorization bypassed",
		zap.String("capability", capability),
		zap.String("tenant_id", tenantID.String()))
	return nil
}
