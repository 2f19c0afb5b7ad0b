package models

import "time"

// AgentStatus is the health state of a registered agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDegraded AgentStatus = "degraded"
)

// AgentRecord tracks one live agent instance: the event types it can
// consume and its health. Created on registration, updated on heartbeat,
// marked offline after a liveness timeout.
type AgentRecord struct {
	AgentID       string      `json:"agent_id"`
	Capabilities  []EventType `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// CanHandle reports whether the agent declared the given event type.
func (a *AgentRecord) CanHandle(eventType EventType) bool {
	for _, c := range a.Capabilities {
		if c == eventType {
			return true
		}
	}
	return false
}

// Available reports whether the agent should receive new work. Degraded
// agents stay subscribed but are deprioritized; offline agents are
// excluded from dispatch entirely.
func (a *AgentRecord) Available() bool {
	return a.Status == AgentOnline
}
