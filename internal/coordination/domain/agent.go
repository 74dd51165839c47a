// Package domain defines the coordination entities (agents, tasks, memory
// entries, event log records) and their lifecycle rules. Persistence lives in
// the store package; this package is pure data and transitions.
package domain

import "time"

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentRunning  AgentStatus = "running"
	AgentStopped  AgentStatus = "stopped"
	AgentKilled   AgentStatus = "killed"
)

// validAgentTransitions maps each status to the statuses reachable from it.
// Stopped and Killed are terminal.
var validAgentTransitions = map[AgentStatus][]AgentStatus{
	AgentStarting: {AgentRunning, AgentStopped, AgentKilled},
	AgentRunning:  {AgentStopped, AgentKilled},
	AgentStopped:  {},
	AgentKilled:   {},
}

// CanTransition reports whether an agent may move from one status to another.
func (s AgentStatus) CanTransition(to AgentStatus) bool {
	for _, next := range validAgentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is absorbing.
func (s AgentStatus) Terminal() bool {
	return s == AgentStopped || s == AgentKilled
}

// Agent is a long-running external process registered against a persona.
// Agents are never deleted; terminal rows are retained for audit.
type Agent struct {
	ID               string
	PersonaID        string
	WorkingDirectory string
	Model            string
	WorktreeName     string
	ProcessID        *int
	Status           AgentStatus
	RegisteredAt     time.Time
	StartedAt        *time.Time
	LastHeartbeat    time.Time
	StoppedAt        *time.Time
}

// Eligible reports whether the agent may receive new task assignments.
func (a *Agent) Eligible() bool {
	return a.Status == AgentStarting || a.Status == AgentRunning
}
