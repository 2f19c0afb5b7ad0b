package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/middleware"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services/auth"
	"github.com/upb/agent-control-plane/utils"
)

// UpsertPolicyRequest represents a request to create or replace a policy
type UpsertPolicyRequest struct {
	Capability    string   `json:"capability" validate:"required"`
	RequiredRoles []string `json:"required_roles" validate:"required,min=1"`
	Limit         *int     `json:"limit,omitempty" validate:"omitempty,gte=0"`
}

// PolicyWriter is the policy mutation surface; the policy service
// implements it and invalidates its cache on each write.
type PolicyWriter interface {
	Upsert(ctx context.Context, policy *models.PermissionPolicy) error
	Delete(ctx context.Context, tenantID uuid.UUID, capability string) error
}

// PolicyHandler handles permission policy HTTP requests
type PolicyHandler struct {
	policies   PolicyWriter
	policyRepo repositories.PolicyRepository
	gate       auth.Authorizer
	logger     *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(policies PolicyWriter, policyRepo repositories.PolicyRepository, gate auth.Authorizer, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		policies:   policies,
		policyRepo: policyRepo,
		gate:       gate,
		logger:     logger,
	}
}

// HandleListPolicies handles GET /v1/policies
func (h *PolicyHandler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.gate.Authorize(ctx, principal, models.CapabilityManagePolicies, principal.TenantID); err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	policies, err := h.policyRepo.GetByTenant(ctx, principal.TenantID)
	if err != nil {
		h.logger.Error("failed to list policies",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, policies)
}

// HandleUpsertPolicy handles PUT /v1/policies/{capability}
func (h *PolicyHandler) HandleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req UpsertPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	req.Capability = chi.URLParam(r, "capability")
	if err := utils.ValidateStruct(req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), toDetails(utils.GetValidationFields(err)))
		return
	}

	if err := h.gate.Authorize(ctx, principal, models.CapabilityManagePolicies, principal.TenantID); err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	policy := models.NewPermissionPolicy(principal.TenantID, req.Capability, req.RequiredRoles...)
	if req.Limit != nil {
		policy.Limit = req.Limit
	}

	if err := h.policies.Upsert(ctx, policy); err != nil {
		h.logger.Error("failed to upsert policy",
			zap.String("request_id", requestID),
			zap.String("capability", req.Capability),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	h.logger.Info("policy updated",
		zap.String("request_id", requestID),
		zap.String("tenant_id", principal.TenantID.String()),
		zap.String("capability", req.Capability))

	_ = utils.WriteOK(w, policy)
}

// HandleDeletePolicy handles DELETE /v1/policies/{capability}
func (h *PolicyHandler) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.gate.Authorize(ctx, principal, models.CapabilityManagePolicies, principal.TenantID); err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	capability := chi.URLParam(r, "capability")
	if err := h.policies.Delete(ctx, principal.TenantID, capability); err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	utils.WriteNoContent(w)
}
