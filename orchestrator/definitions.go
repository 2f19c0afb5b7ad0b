package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
)

// DefinitionRegistry holds the workflow step graphs the orchestrator can
// execute. Definitions are registered at wiring time and read-only after.
type DefinitionRegistry struct {
	mu   sync.RWMutex
	defs map[string]*models.WorkflowDefinition
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{defs: make(map[string]*models.WorkflowDefinition)}
}

// Register adds a definition, replacing any previous one with the same id.
// Result events are matched to the in-flight step by event domain, so a
// definition must not use the same domain twice: a redelivered result for
// one step could otherwise satisfy a later step that shares its domain.
func (r *DefinitionRegistry) Register(def *models.WorkflowDefinition) error {
	if len(def.Steps) == 0 {
		return services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("definition %s has no steps", def.ID), nil)
	}
	domains := make(map[string]string, len(def.Steps))
	for _, step := range def.Steps {
		domain := step.CommandType.Domain()
		if prev, ok := domains[domain]; ok {
			return services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("definition %s: steps %s and %s both use event domain %s",
					def.ID, prev, step.Name, domain), nil)
		}
		domains[domain] = step.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition for an id.
func (r *DefinitionRegistry) Get(id string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, services.ErrDefinitionNotFound
	}
	return def, nil
}

// ResultTypes returns the result event types (completed and failed
// variants) of every step across all definitions. The orchestrator
// subscribes to exactly this set.
func (r *DefinitionRegistry) ResultTypes() []models.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[models.EventType]struct{})
	var types []models.EventType
	add := func(t models.EventType) {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			types = append(types, t)
		}
	}
	for _, def := range r.defs {
		for _, step := range def.Steps {
			add(step.CommandType.Completed())
			add(step.CommandType.Failed())
		}
	}
	return types
}

// SoftwareDeliveryDefinition is the built-in design → review →
// implementation → testing → release step graph, with a human approval
// gate before release.
func SoftwareDeliveryDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "software_delivery",
		Steps: []models.StepDefinition{
			{Name: "api_design", CommandType: models.EventAPIDesignRequested, DomainKey: "api_design", Deadline: 10 * time.Minute},
			{Name: "architecture_review", CommandType: models.EventArchReviewRequested, DomainKey: "architecture_review", Deadline: 10 * time.Minute},
			{Name: "implementation", CommandType: models.EventImplementationRequested, DomainKey: "implementation", Deadline: 30 * time.Minute},
			{Name: "testing", CommandType: models.EventTestingRequested, DomainKey: "testing", Deadline: 20 * time.Minute},
			{Name: "release", CommandType: models.EventReleaseRequested, DomainKey: "release", RequiresApproval: true, Deadline: 10 * time.Minute},
		},
	}
}
