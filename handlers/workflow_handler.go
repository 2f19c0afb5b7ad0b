package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/middleware"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/utils"
)

// StartWorkflowRequest represents a request to start a workflow
type StartWorkflowRequest struct {
	DefinitionID string `json:"definition_id" validate:"required"`
}

// WorkflowResponse represents a workflow instance in API responses
type WorkflowResponse struct {
	ID            uuid.UUID            `json:"id"`
	TenantID      uuid.UUID            `json:"tenant_id"`
	DefinitionID  string               `json:"definition_id"`
	CorrelationID string               `json:"correlation_id"`
	CurrentStep   int                  `json:"current_step"`
	State         models.WorkflowState `json:"state"`
	StepHistory   []models.StepResult  `json:"step_history,omitempty"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
}

// WorkflowService defines the orchestrator operations exposed over HTTP
type WorkflowService interface {
	Start(ctx context.Context, principal *models.Principal, definitionID string, tenantID uuid.UUID) (*models.WorkflowInstance, error)
	Approve(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) error
	Reject(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) error
	Cancel(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) error
	GetInstance(ctx context.Context, principal *models.Principal, instanceID uuid.UUID) (*models.WorkflowInstance, error)
}

// WorkflowHandler handles workflow-related HTTP requests
type WorkflowHandler struct {
	workflows WorkflowService
	logger    *zap.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler
func NewWorkflowHandler(workflows WorkflowService, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		workflows: workflows,
		logger:    logger,
	}
}

// HandleStartWorkflow handles POST /v1/workflows
func (h *WorkflowHandler) HandleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), toDetails(utils.GetValidationFields(err)))
		return
	}

	instance, err := h.workflows.Start(ctx, principal, req.DefinitionID, principal.TenantID)
	if err != nil {
		h.logger.Warn("workflow start refused",
			zap.String("request_id", requestID),
			zap.String("definition_id", req.DefinitionID),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	h.logger.Info("workflow started",
		zap.String("request_id", requestID),
		zap.String("instance_id", instance.ID.String()),
		zap.String("correlation_id", instance.CorrelationID))

	_ = utils.WriteCreated(w, workflowToResponse(instance))
}

// HandleGetWorkflow handles GET /v1/workflows/{id}
func (h *WorkflowHandler) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	instanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid workflow id", nil)
		return
	}

	instance, err := h.workflows.GetInstance(ctx, principal, instanceID)
	if err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteOK(w, workflowToResponse(instance))
}

// HandleApproveWorkflow handles POST /v1/workflows/{id}/approve
func (h *WorkflowHandler) HandleApproveWorkflow(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, true)
}

// HandleRejectWorkflow handles POST /v1/workflows/{id}/reject
func (h *WorkflowHandler) HandleRejectWorkflow(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, false)
}

func (h *WorkflowHandler) resolveApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	instanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid workflow id", nil)
		return
	}

	if approve {
		err = h.workflows.Approve(ctx, principal, instanceID)
	} else {
		err = h.workflows.Reject(ctx, principal, instanceID)
	}
	if err != nil {
		h.logger.Warn("approval resolution refused",
			zap.String("request_id", requestID),
			zap.String("instance_id", instanceID.String()),
			zap.Bool("approve", approve),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	instance, err := h.workflows.GetInstance(ctx, principal, instanceID)
	if err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}
	_ = utils.WriteOK(w, workflowToResponse(instance))
}

// HandleCancelWorkflow handles POST /v1/workflows/{id}/cancel
func (h *WorkflowHandler) HandleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	instanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid workflow id", nil)
		return
	}

	if err := h.workflows.Cancel(ctx, principal, instanceID); err != nil {
		h.logger.Warn("workflow cancellation refused",
			zap.String("request_id", requestID),
			zap.String("instance_id", instanceID.String()),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	h.logger.Info("workflow cancelled",
		zap.String("request_id", requestID),
		zap.String("instance_id", instanceID.String()))

	_ = utils.WriteAccepted(w, map[string]string{"state": string(models.WorkflowCancelled)})
}

func workflowToResponse(instance *models.WorkflowInstance) WorkflowResponse {
	return WorkflowResponse{
		ID:            instance.ID,
		TenantID:      instance.TenantID,
		DefinitionID:  instance.DefinitionID,
		CorrelationID: instance.CorrelationID,
		CurrentStep:   instance.CurrentStep,
		State:         instance.State,
		StepHistory:   instance.StepHistory,
		CreatedAt:     instance.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     instance.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toDetails(fields map[string]string) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	details := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		details[k] = v
	}
	return details
}
