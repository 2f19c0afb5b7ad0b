package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/bus"
	"github.com/upb/agent-control-plane/middleware"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
	"github.com/upb/agent-control-plane/services/auth"
	"github.com/upb/agent-control-plane/services/registry"
	"github.com/upb/agent-control-plane/utils"
)

// PublishEventRequest represents an event publish request
type PublishEventRequest struct {
	EventType     string                 `json:"event_type" validate:"required"`
	AgentID       string                 `json:"agent_id" validate:"required"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload" validate:"required"`
}

// PublishEventResponse confirms a publish
type PublishEventResponse struct {
	EventID     uuid.UUID `json:"event_id"`
	Subscribers int       `json:"subscribers"`
	Timestamp   string    `json:"timestamp"`
}

// EventHandler handles event publication over HTTP. Agents publish their
// results here; delivery to subscribers rides the in-process bus.
type EventHandler struct {
	bus    *bus.Bus
	agents *registry.Registry
	gate   auth.Authorizer
	logger *zap.Logger
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(eventBus *bus.Bus, agents *registry.Registry, gate auth.Authorizer, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:    eventBus,
		agents: agents,
		gate:   gate,
		logger: logger,
	}
}

// HandlePublishEvent handles POST /v1/events
func (h *EventHandler) HandlePublishEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	principal := middleware.GetPrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), toDetails(utils.GetValidationFields(err)))
		return
	}

	if err := h.gate.Authorize(ctx, principal, models.CapabilityPublishEvents, principal.TenantID); err != nil {
		h.logger.Warn("event publish refused",
			zap.String("request_id", requestID),
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	// Events can only be attributed to registered agents; an arbitrary
	// agent_id in the body would let one tenant member impersonate
	// another agent's results.
	if _, err := h.agents.Get(req.AgentID); err != nil {
		h.logger.Warn("event publish for unregistered agent refused",
			zap.String("request_id", requestID),
			zap.String("agent_id", req.AgentID))
		_ = utils.WriteDomainError(w, services.NewDomainError(services.ErrorTypeForbidden,
			fmt.Sprintf("agent %s is not registered", req.AgentID), nil))
		return
	}

	env := models.NewEnvelope(models.EventType(req.EventType), principal.TenantID, req.AgentID, req.Payload).
		WithCorrelation(req.CorrelationID)

	receipt, err := h.bus.Publish(ctx, env)
	if err != nil {
		h.logger.Warn("event rejected",
			zap.String("request_id", requestID),
			zap.String("event_type", req.EventType),
			zap.Error(err))
		_ = utils.WriteDomainError(w, err)
		return
	}

	_ = utils.WriteAccepted(w, PublishEventResponse{
		EventID:     receipt.EventID,
		Subscribers: receipt.Subscribers,
		Timestamp:   receipt.Timestamp.UTC().Format(time.RFC3339),
	})
}
