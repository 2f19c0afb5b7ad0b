package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/middleware"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services/auth"
	"github.com/upb/agent-control-plane/utils"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	auditRepo repositories.AuditRepository
	gate      auth.Authorizer
	logger    *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(auditRepo repositories.AuditRepository, gate auth.Authorizer, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		auditRepo: auditRepo,
		gate:      gate,
		logger:    logger,
	}
}

// HandleListAuditEntries handles GET /v1/audit. Supports limit/offset
// pagination and an optional correlation_id filter scoped to the caller's
// tenant.
func (h *AuditHandler) HandleListAuditEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.gate.Authorize(ctx, principal, models.CapabilityReadAudit, principal.TenantID); err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	if correlationID := r.URL.Query().Get("correlation_id"); correlationID != "" {
		entries, err := h.auditRepo.GetByCorrelationID(ctx, correlationID)
		if err != nil {
			h.logger.Error("failed to query audit entries",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteDomainError(w, err)
			return
		}
		// Correlation ids are not tenant-scoped in the store; filter here.
		scoped := entries[:0]
		for _, entry := range entries {
			if entry.TenantID == principal.TenantID || principal.IsCrossTenantAdmin() {
				scoped = append(scoped, entry)
			}
		}
		_ = utils.WriteOK(w, scoped)
		return
	}

	limit := queryInt(r, "limit", defaultAuditPageSize)
	if limit <= 0 || limit > maxAuditPageSize {
		limit = defaultAuditPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	entries, err := h.auditRepo.GetByTenant(ctx, principal.TenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list audit entries",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, entries)
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}
