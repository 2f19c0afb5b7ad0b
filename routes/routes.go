package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/agent-control-plane/app"
	"github.com/upb/agent-control-plane/handlers"
	"github.com/upb/agent-control-plane/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	healthHandler := handlers.NewHealthHandler(deps.DB.DB, deps.Logger)
	workflowHandler := handlers.NewWorkflowHandler(deps.Orchestrator, deps.Logger)
	agentHandler := handlers.NewAgentHandler(deps.AgentRegistry, deps.Bus, deps.Logger)
	eventHandler := handlers.NewEventHandler(deps.Bus, deps.AgentRegistry, deps.Gate, deps.Logger)
	policyHandler := handlers.NewPolicyHandler(deps.PolicyService, deps.Policies, deps.Gate, deps.Logger)
	auditHandler := handlers.NewAuditHandler(deps.AuditLogs, deps.Gate, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", workflowHandler.HandleStartWorkflow)
			r.Get("/{id}", workflowHandler.HandleGetWorkflow)
			r.Post("/{id}/approve", workflowHandler.HandleApproveWorkflow)
			r.Post("/{id}/reject", workflowHandler.HandleRejectWorkflow)
			r.Post("/{id}/cancel", workflowHandler.HandleCancelWorkflow)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", agentHandler.HandleListAgents)
			r.Post("/", agentHandler.HandleRegisterAgent)
			r.Get("/{id}", agentHandler.HandleGetAgent)
			r.Post("/{id}/heartbeat", agentHandler.HandleHeartbeat)
			r.Delete("/{id}", agentHandler.HandleDeregisterAgent)
		})

		r.Post("/events", eventHandler.HandlePublishEvent)

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", policyHandler.HandleListPolicies)
			r.Put("/{capability}", policyHandler.HandleUpsertPolicy)
			r.Delete("/{capability}", policyHandler.HandleDeletePolicy)
		})

		r.Get("/audit", auditHandler.HandleListAuditEntries)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
