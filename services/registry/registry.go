// Package registry tracks live agent instances, their declared
// capabilities, and health state.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/services"
)

// Config holds registry timing parameters.
type Config struct {
	HeartbeatTimeout time.Duration // Heartbeat age after which an agent goes offline
	SweepInterval    time.Duration // Liveness sweep cadence
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    10 * time.Second,
	}
}

// Registry is an in-memory agent registry with a periodic liveness sweep.
// Agents whose heartbeat ages past the timeout transition to offline and
// drop out of Find results, which makes the orchestrator treat their
// pending steps as retryable.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentRecord
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time
}

// New creates a Registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*models.AgentRecord),
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// Register adds an agent with its declared capabilities. Fails with a
// duplicate error when the id is already online; an offline record with
// the same id is replaced, covering agent restarts.
func (r *Registry) Register(agentID string, capabilities []models.EventType) (*models.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[agentID]; ok && existing.Status != models.AgentOffline {
		return nil, services.ErrDuplicateAgent
	}

	now := r.clock()
	record := &models.AgentRecord{
		AgentID:       agentID,
		Capabilities:  capabilities,
		Status:        models.AgentOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.agents[agentID] = record

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Int("capabilities", len(capabilities)))
	return record, nil
}

// Heartbeat refreshes an agent's liveness. An offline agent that
// heartbeats again comes back online.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[agentID]
	if !ok {
		return services.ErrAgentNotFound
	}
	record.LastHeartbeat = r.clock()
	if record.Status == models.AgentOffline {
		record.Status = models.AgentOnline
		r.logger.Info("agent back online", zap.String("agent_id", agentID))
	}
	return nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return services.ErrAgentNotFound
	}
	delete(r.agents, agentID)
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// Find returns the ids of agents that can handle the event type, excluding
// offline agents. Online agents come before degraded ones so fresh work
// lands on healthy consumers first.
func (r *Registry) Find(eventType models.EventType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var online, degraded []string
	for id, record := range r.agents {
		if record.Status == models.AgentOffline || !record.CanHandle(eventType) {
			continue
		}
		if record.Status == models.AgentDegraded {
			degraded = append(degraded, id)
			continue
		}
		online = append(online, id)
	}
	return append(online, degraded...)
}

// Get returns the record for an agent id.
func (r *Registry) Get(agentID string) (*models.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.agents[agentID]
	if !ok {
		return nil, services.ErrAgentNotFound
	}
	cp := *record
	return &cp, nil
}

// List returns a copy of every agent record.
func (r *Registry) List() []*models.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*models.AgentRecord, 0, len(r.agents))
	for _, record := range r.agents {
		cp := *record
		records = append(records, &cp)
	}
	return records
}

// MarkDegraded flags an agent whose inbound queue has exceeded its depth
// threshold. Called by the event bus backpressure signal.
func (r *Registry) MarkDegraded(agentID string) {
	r.setStatus(agentID, models.AgentDegraded, models.AgentOnline)
}

// ClearDegraded restores a degraded agent to online once its backlog has
// drained.
func (r *Registry) ClearDegraded(agentID string) {
	r.setStatus(agentID, models.AgentOnline, models.AgentDegraded)
}

func (r *Registry) setStatus(agentID string, to, from models.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.agents[agentID]
	if !ok || record.Status != from {
		return
	}
	record.Status = to
	r.logger.Info("agent status changed",
		zap.String("agent_id", agentID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// Sweep marks agents whose heartbeat is older than the timeout as offline.
// Returns the ids it transitioned.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().Add(-r.cfg.HeartbeatTimeout)
	var swept []string
	for id, record := range r.agents {
		if record.Status != models.AgentOffline && record.LastHeartbeat.Before(cutoff) {
			record.Status = models.AgentOffline
			swept = append(swept, id)
			r.logger.Warn("agent missed heartbeat, marked offline",
				zap.String("agent_id", id),
				zap.Time("last_heartbeat", record.LastHeartbeat))
		}
	}
	return swept
}

// StartSweeper runs the liveness sweep on the configured interval until
// the context is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
