// Package event defines the typed envelopes carried by the three in-process
// coordination buses (task, agent, memory) and the filters used to subscribe
// to slices of them. Envelopes are published only by the subsystem owning the
// matching entity, always after its transaction has committed.
package event

import (
	"time"

	"github.com/aiswarm/swarmd/internal/pubsub"
)

// TaskEventType discriminates task envelopes.
type TaskEventType string

const (
	TaskCreated   TaskEventType = "task.created"
	TaskClaimed   TaskEventType = "task.claimed"
	TaskCompleted TaskEventType = "task.completed"
	TaskFailed    TaskEventType = "task.failed"
)

// TaskPayload carries the task identifiers relevant to the event type.
// AgentID is empty for unassigned Created events; Reason is set on Failed.
type TaskPayload struct {
	TaskID    string `json:"taskId"`
	AgentID   string `json:"agentId,omitempty"`
	PersonaID string `json:"personaId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TaskEvent is one envelope on the task bus.
type TaskEvent struct {
	Type      TaskEventType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   TaskPayload   `json:"payload"`
}

// AgentEventType discriminates agent envelopes.
type AgentEventType string

const (
	AgentRegistered    AgentEventType = "agent.registered"
	AgentKilled        AgentEventType = "agent.killed"
	AgentStatusChanged AgentEventType = "agent.status_changed"
)

// AgentPayload carries the agent identifiers and status transition.
type AgentPayload struct {
	AgentID   string `json:"agentId"`
	Persona   string `json:"persona,omitempty"`
	OldStatus string `json:"oldStatus,omitempty"`
	NewStatus string `json:"newStatus,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AgentEvent is one envelope on the agent bus.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   AgentPayload   `json:"payload"`
}

// MemoryEventType discriminates memory envelopes.
type MemoryEventType string

const (
	MemoryCreated MemoryEventType = "memory.created"
	MemoryUpdated MemoryEventType = "memory.updated"
	MemoryDeleted MemoryEventType = "memory.deleted"
)

// MemoryPayload carries the entry coordinates and the value as written.
type MemoryPayload struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Type      string `json:"type"`
	Metadata  string `json:"metadata,omitempty"`
}

// MemoryEvent is one envelope on the memory bus.
type MemoryEvent struct {
	Type      MemoryEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   MemoryPayload   `json:"payload"`
}

// Buses bundles the three coordination buses. One instance per server.
type Buses struct {
	Task   *pubsub.Broker[TaskEvent]
	Agent  *pubsub.Broker[AgentEvent]
	Memory *pubsub.Broker[MemoryEvent]
}

// NewBuses creates the three buses.
func NewBuses() *Buses {
	return &Buses{
		Task:   pubsub.NewBroker[TaskEvent](),
		Agent:  pubsub.NewBroker[AgentEvent](),
		Memory: pubsub.NewBroker[MemoryEvent](),
	}
}

// Close disposes all three buses, closing every subscriber channel.
func (b *Buses) Close() {
	b.Task.Close()
	b.Agent.Close()
	b.Memory.Close()
}

// TaskCreatedFor matches Created envelopes dispatchable to the given caller:
// tasks pinned to the agent, or unassigned tasks routed to its persona.
func TaskCreatedFor(agentID, personaID string) pubsub.Filter[TaskEvent] {
	return func(e TaskEvent) bool {
		if e.Type != TaskCreated {
			return false
		}
		if e.Payload.AgentID != "" {
			return e.Payload.AgentID == agentID
		}
		return e.Payload.PersonaID == personaID
	}
}

// MemoryKey matches envelopes of one type for one (namespace, key).
func MemoryKey(eventType MemoryEventType, namespace, key string) pubsub.Filter[MemoryEvent] {
	return func(e MemoryEvent) bool {
		return e.Type == eventType &&
			e.Payload.Namespace == namespace &&
			e.Payload.Key == key
	}
}
