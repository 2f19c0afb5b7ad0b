package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/bus"
	"github.com/upb/agent-control-plane/middleware"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services/registry"
	"github.com/upb/agent-control-plane/utils"
)

// RegisterAgentRequest represents an agent registration
type RegisterAgentRequest struct {
	AgentID      string   `json:"agent_id" validate:"required"`
	Capabilities []string `json:"capabilities" validate:"required,min=1"`
}

// AgentResponse represents an agent record in API responses
type AgentResponse struct {
	AgentID       string             `json:"agent_id"`
	Capabilities  []models.EventType `json:"capabilities"`
	Status        models.AgentStatus `json:"status"`
	LastHeartbeat string             `json:"last_heartbeat"`
	RegisteredAt  string             `json:"registered_at"`
}

// AgentHandler handles agent registry HTTP requests
type AgentHandler struct {
	registry *registry.Registry
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(agentRegistry *registry.Registry, eventBus *bus.Bus, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry: agentRegistry,
		bus:      eventBus,
		logger:   logger,
	}
}

// HandleRegisterAgent handles POST /v1/agents
func (h *AgentHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), toDetails(utils.GetValidationFields(err)))
		return
	}

	capabilities := make([]models.EventType, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		t := models.EventType(c)
		if t.Domain() == "" || !t.IsCommand() {
			_ = utils.WriteBadRequest(w, "Capabilities must be command event types", map[string]interface{}{
				"capability": c,
			})
			return
		}
		capabilities = append(capabilities, t)
	}

	record, err := h.registry.Register(req.AgentID, capabilities)
	if err != nil {
		h.logger.Warn("agent registration refused",
			zap.String("request_id", requestID),
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteCreated(w, agentToResponse(record))
}

// HandleHeartbeat handles POST /v1/agents/{id}/heartbeat
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := h.registry.Heartbeat(agentID); err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}
	utils.WriteNoContent(w)
}

// HandleDeregisterAgent handles DELETE /v1/agents/{id}
func (h *AgentHandler) HandleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := h.registry.Deregister(agentID); err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}
	// A departing agent's queued events stay on the bus until resubscribe;
	// its subscription is torn down so nothing accumulates unread.
	h.bus.Unsubscribe(agentID)
	utils.WriteNoContent(w)
}

// HandleGetAgent handles GET /v1/agents/{id}
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	record, err := h.registry.Get(agentID)
	if err != nil {
		_ = utils.WriteDomainError(w, err)
		return
	}
	_ = utils.WriteOK(w, agentToResponse(record))
}

// HandleListAgents handles GET /v1/agents
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	records := h.registry.List()
	responses := make([]AgentResponse, len(records))
	for i, record := range records {
		responses[i] = agentToResponse(record)
	}
	_ = utils.WriteOK(w, responses)
}

func agentToResponse(record *models.AgentRecord) AgentResponse {
	return AgentResponse{
		AgentID:       record.AgentID,
		Capabilities:  record.Capabilities,
		Status:        record.Status,
		LastHeartbeat: record.LastHeartbeat.UTC().Format(time.RFC3339),
		RegisteredAt:  record.RegisteredAt.UTC().Format(time.RFC3339),
	}
}
