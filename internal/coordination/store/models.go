package store

import (
	"time"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

// AgentModel represents the database row for the agents table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type AgentModel struct {
	ID               string
	PersonaID        string
	WorkingDirectory string
	Model            *string // nullable
	WorktreeName     *string // nullable
	ProcessID        *int64  // nullable
	Status           string
	RegisteredAt     int64  // Unix timestamp
	StartedAt        *int64 // Unix timestamp, nullable
	LastHeartbeat    int64  // Unix timestamp
	StoppedAt        *int64 // Unix timestamp, nullable
}

// toAgentModel converts a domain Agent to a database AgentModel.
func toAgentModel(a *domain.Agent) *AgentModel {
	m := &AgentModel{
		ID:               a.ID,
		PersonaID:        a.PersonaID,
		WorkingDirectory: a.WorkingDirectory,
		Status:           string(a.Status),
		RegisteredAt:     a.RegisteredAt.Unix(),
		LastHeartbeat:    a.LastHeartbeat.Unix(),
	}
	if a.Model != "" {
		model := a.Model
		m.Model = &model
	}
	if a.WorktreeName != "" {
		worktreeName := a.WorktreeName
		m.WorktreeName = &worktreeName
	}
	if a.ProcessID != nil {
		pid := int64(*a.ProcessID)
		m.ProcessID = &pid
	}
	if a.StartedAt != nil {
		startedAt := a.StartedAt.Unix()
		m.StartedAt = &startedAt
	}
	if a.StoppedAt != nil {
		stoppedAt := a.StoppedAt.Unix()
		m.StoppedAt = &stoppedAt
	}
	return m
}

// toDomain converts a database AgentModel to a domain Agent.
func (m *AgentModel) toDomain() *domain.Agent {
	a := &domain.Agent{
		ID:               m.ID,
		PersonaID:        m.PersonaID,
		WorkingDirectory: m.WorkingDirectory,
		Status:           domain.AgentStatus(m.Status),
		RegisteredAt:     time.Unix(m.RegisteredAt, 0),
		LastHeartbeat:    time.Unix(m.LastHeartbeat, 0),
	}
	if m.Model != nil {
		a.Model = *m.Model
	}
	if m.WorktreeName != nil {
		a.WorktreeName = *m.WorktreeName
	}
	if m.ProcessID != nil {
		pid := int(*m.ProcessID)
		a.ProcessID = &pid
	}
	if m.StartedAt != nil {
		t := time.Unix(*m.StartedAt, 0)
		a.StartedAt = &t
	}
	if m.StoppedAt != nil {
		t := time.Unix(*m.StoppedAt, 0)
		a.StoppedAt = &t
	}
	return a
}

// TaskModel represents the database row for the tasks table.
type TaskModel struct {
	ID          string
	AgentID     *string // nullable
	PersonaID   *string // nullable
	Description string
	Priority    int64
	Status      string
	Result      *string // nullable
	CreatedAt   int64   // Unix timestamp
	ClaimedAt   *int64  // Unix timestamp, nullable
	StartedAt   *int64  // Unix timestamp, nullable
	CompletedAt *int64  // Unix timestamp, nullable
}

// toTaskModel converts a domain Task to a database TaskModel.
func toTaskModel(t *domain.Task) *TaskModel {
	m := &TaskModel{
		ID:          t.ID,
		Description: t.Description,
		Priority:    int64(t.Priority),
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt.Unix(),
	}
	if t.AgentID != "" {
		agentID := t.AgentID
		m.AgentID = &agentID
	}
	if t.PersonaID != "" {
		personaID := t.PersonaID
		m.PersonaID = &personaID
	}
	if t.Result != "" {
		result := t.Result
		m.Result = &result
	}
	if t.ClaimedAt != nil {
		claimedAt := t.ClaimedAt.Unix()
		m.ClaimedAt = &claimedAt
	}
	if t.StartedAt != nil {
		startedAt := t.StartedAt.Unix()
		m.StartedAt = &startedAt
	}
	if t.CompletedAt != nil {
		completedAt := t.CompletedAt.Unix()
		m.CompletedAt = &completedAt
	}
	return m
}

// toDomain converts a database TaskModel to a domain Task.
func (m *TaskModel) toDomain() *domain.Task {
	t := &domain.Task{
		ID:          m.ID,
		Description: m.Description,
		Priority:    domain.TaskPriority(m.Priority),
		Status:      domain.TaskStatus(m.Status),
		CreatedAt:   time.Unix(m.CreatedAt, 0),
	}
	if m.AgentID != nil {
		t.AgentID = *m.AgentID
	}
	if m.PersonaID != nil {
		t.PersonaID = *m.PersonaID
	}
	if m.Result != nil {
		t.Result = *m.Result
	}
	if m.ClaimedAt != nil {
		claimedAt := time.Unix(*m.ClaimedAt, 0)
		t.ClaimedAt = &claimedAt
	}
	if m.StartedAt != nil {
		startedAt := time.Unix(*m.StartedAt, 0)
		t.StartedAt = &startedAt
	}
	if m.CompletedAt != nil {
		completedAt := time.Unix(*m.CompletedAt, 0)
		t.CompletedAt = &completedAt
	}
	return t
}

// MemoryModel represents the database row for the memory_entries table.
type MemoryModel struct {
	ID            string
	Namespace     string
	Key           string
	Value         string
	Type          string
	Metadata      *string // nullable
	Size          int64
	IsCompressed  bool
	CreatedAt     int64  // Unix timestamp
	LastUpdatedAt int64  // Unix timestamp
	AccessedAt    *int64 // Unix timestamp, nullable
	AccessCount   int64
}

// toMemoryModel converts a domain MemoryEntry to a database MemoryModel.
func toMemoryModel(e *domain.MemoryEntry) *MemoryModel {
	m := &MemoryModel{
		ID:            e.ID,
		Namespace:     e.Namespace,
		Key:           e.Key,
		Value:         e.Value,
		Type:          e.Type,
		Size:          int64(e.Size),
		IsCompressed:  e.IsCompressed,
		CreatedAt:     e.CreatedAt.Unix(),
		LastUpdatedAt: e.LastUpdatedAt.Unix(),
		AccessCount:   int64(e.AccessCount),
	}
	if e.Metadata != "" {
		metadata := e.Metadata
		m.Metadata = &metadata
	}
	if e.AccessedAt != nil {
		accessedAt := e.AccessedAt.Unix()
		m.AccessedAt = &accessedAt
	}
	return m
}

// toDomain converts a database MemoryModel to a domain MemoryEntry.
func (m *MemoryModel) toDomain() *domain.MemoryEntry {
	e := &domain.MemoryEntry{
		ID:            m.ID,
		Namespace:     m.Namespace,
		Key:           m.Key,
		Value:         m.Value,
		Type:          m.Type,
		Size:          int(m.Size),
		IsCompressed:  m.IsCompressed,
		CreatedAt:     time.Unix(m.CreatedAt, 0),
		LastUpdatedAt: time.Unix(m.LastUpdatedAt, 0),
		AccessCount:   int(m.AccessCount),
	}
	if m.Metadata != nil {
		e.Metadata = *m.Metadata
	}
	if m.AccessedAt != nil {
		accessedAt := time.Unix(*m.AccessedAt, 0)
		e.AccessedAt = &accessedAt
	}
	return e
}

// EventLogModel represents the database row for the event_log table.
type EventLogModel struct {
	ID            string
	EventType     string
	Timestamp     int64   // Unix timestamp
	Actor         *string // nullable
	CorrelationID *string // nullable
	EntityID      *string // nullable
	EntityType    *string // nullable
	Severity      string
	Tags          *string // nullable
	Payload       string
}

// toEventLogModel converts a domain EventLogRecord to a database EventLogModel.
func toEventLogModel(r *domain.EventLogRecord) *EventLogModel {
	m := &EventLogModel{
		ID:        r.ID,
		EventType: r.EventType,
		Timestamp: r.Timestamp.Unix(),
		Severity:  r.Severity,
		Payload:   r.Payload,
	}
	if r.Actor != "" {
		actor := r.Actor
		m.Actor = &actor
	}
	if r.CorrelationID != "" {
		correlationID := r.CorrelationID
		m.CorrelationID = &correlationID
	}
	if r.EntityID != "" {
		entityID := r.EntityID
		m.EntityID = &entityID
	}
	if r.EntityType != "" {
		entityType := r.EntityType
		m.EntityType = &entityType
	}
	if r.Tags != "" {
		tags := r.Tags
		m.Tags = &tags
	}
	return m
}

// toDomain converts a database EventLogModel to a domain EventLogRecord.
func (m *EventLogModel) toDomain() *domain.EventLogRecord {
	r := &domain.EventLogRecord{
		ID:        m.ID,
		EventType: m.EventType,
		Timestamp: time.Unix(m.Timestamp, 0),
		Severity:  m.Severity,
		Payload:   m.Payload,
	}
	if m.Actor != nil {
		r.Actor = *m.Actor
	}
	if m.CorrelationID != nil {
		r.CorrelationID = *m.CorrelationID
	}
	if m.EntityID != nil {
		r.EntityID = *m.EntityID
	}
	if m.EntityType != nil {
		r.EntityType = *m.EntityType
	}
	if m.Tags != nil {
		r.Tags = *m.Tags
	}
	return r
}
