package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/event"
	"github.com/aiswarm/swarmd/internal/coordination/store"
	"github.com/aiswarm/swarmd/internal/log"
)

// RegisterRequest carries the inputs for Register.
type RegisterRequest struct {
	PersonaID        string
	WorkingDirectory string
	Model            string
	WorktreeName     string
}

// Registry owns the agent table: it is the sole writer of agent rows and the
// sole publisher of agent events. Every event is published after the write
// transaction has committed.
type Registry struct {
	db         *store.DB
	buses      *event.Buses
	clock      clock.Clock
	terminator ProcessTerminator
}

// NewRegistry creates a Registry.
func NewRegistry(db *store.DB, buses *event.Buses, clk clock.Clock, terminator ProcessTerminator) *Registry {
	return &Registry{db: db, buses: buses, clock: clk, terminator: terminator}
}

// writeRetry runs fn in a write scope, retrying once when the failure is not
// a domain error. SQLite busy conflicts resolve on the second attempt far
// more often than not.
func (r *Registry) writeRetry(ctx context.Context, fn func(*store.WriteScope) error) error {
	err := r.db.Write(ctx, fn)
	if err == nil || isDomainErr(err) || ctx.Err() != nil {
		return err
	}
	log.Warn(log.CatAgent, "retrying agent write after conflict", "error", err)
	return r.db.Write(ctx, fn)
}

func isDomainErr(err error) bool {
	return errors.Is(err, domain.ErrAgentNotFound) ||
		errors.Is(err, domain.ErrAgentNotEligible) ||
		errors.Is(err, domain.ErrAlreadyTerminal) ||
		errors.Is(err, domain.ErrInvalidArgument)
}

// Register creates an agent in status Starting and returns its id.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.PersonaID == "" {
		return "", fmt.Errorf("%w: personaId is required", domain.ErrInvalidArgument)
	}

	now := r.clock.Now()
	a := &domain.Agent{
		ID:               "agent-" + uuid.NewString(),
		PersonaID:        req.PersonaID,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		WorktreeName:     req.WorktreeName,
		Status:           domain.AgentStarting,
		RegisteredAt:     now,
		LastHeartbeat:    now,
	}

	err := r.writeRetry(ctx, func(ws *store.WriteScope) error {
		return ws.Agents.Insert(ctx, a)
	})
	if err != nil {
		return "", err
	}

	r.publish(event.AgentEvent{
		Type:      event.AgentRegistered,
		Timestamp: now,
		Payload:   event.AgentPayload{AgentID: a.ID, Persona: a.PersonaID, NewStatus: string(a.Status)},
	})
	log.Info(log.CatAgent, "agent registered", "agentId", a.ID, "persona", a.PersonaID)
	return a.ID, nil
}

// MarkRunning transitions Starting -> Running and records the process id.
// A no-op without an event when the agent is already Running.
func (r *Registry) MarkRunning(ctx context.Context, agentID string, processID int) error {
	var evt *event.AgentEvent

	err := r.writeRetry(ctx, func(ws *store.WriteScope) error {
		evt = nil
		a, err := ws.Agents.GetByID(ctx, agentID)
		if err != nil {
			return err
		}
		if a.Status == domain.AgentRunning {
			return nil
		}
		if !a.Status.CanTransition(domain.AgentRunning) {
			return fmt.Errorf("%w: agent %s is %s", domain.ErrAgentNotEligible, agentID, a.Status)
		}

		now := r.clock.Now()
		oldStatus := a.Status
		a.Status = domain.AgentRunning
		a.StartedAt = &now
		a.ProcessID = &processID
		if err := ws.Agents.Update(ctx, a); err != nil {
			return err
		}
		evt = &event.AgentEvent{
			Type:      event.AgentStatusChanged,
			Timestamp: now,
			Payload: event.AgentPayload{
				AgentID:   agentID,
				Persona:   a.PersonaID,
				OldStatus: string(oldStatus),
				NewStatus: string(domain.AgentRunning),
			},
		}
		return nil
	})
	if err != nil {
		return err
	}

	if evt != nil {
		r.publish(*evt)
		log.Info(log.CatAgent, "agent running", "agentId", agentID, "pid", processID)
	}
	return nil
}

// Heartbeat updates the agent's liveness timestamp. Returns false without
// side effects when the agent is unknown.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (bool, error) {
	var known bool
	err := r.writeRetry(ctx, func(ws *store.WriteScope) error {
		var err error
		known, err = ws.Agents.Touch(ctx, agentID, r.clock.Now())
		return err
	})
	return known, err
}

// Stop gracefully transitions the agent to Stopped. A no-op on a terminal
// status; no event is published in that case.
func (r *Registry) Stop(ctx context.Context, agentID string) error {
	var evt *event.AgentEvent

	err := r.writeRetry(ctx, func(ws *store.WriteScope) error {
		evt = nil
		a, err := ws.Agents.GetByID(ctx, agentID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return nil
		}

		now := r.clock.Now()
		oldStatus := a.Status
		a.Status = domain.AgentStopped
		a.StoppedAt = &now
		if err := ws.Agents.Update(ctx, a); err != nil {
			return err
		}
		evt = &event.AgentEvent{
			Type:      event.AgentStatusChanged,
			Timestamp: now,
			Payload: event.AgentPayload{
				AgentID:   agentID,
				Persona:   a.PersonaID,
				OldStatus: string(oldStatus),
				NewStatus: string(domain.AgentStopped),
			},
		}
		return nil
	})
	if err != nil {
		return err
	}

	if evt != nil {
		r.publish(*evt)
		log.Info(log.CatAgent, "agent stopped", "agentId", agentID)
	}
	return nil
}

// Kill force-terminates the agent: signals its process when a pid is known,
// then transitions to Killed. Terminator failures are logged and never block
// the status update. Returns domain.ErrAlreadyTerminal when the agent is
// already Stopped or Killed; no extra event is published.
func (r *Registry) Kill(ctx context.Context, agentID string, reason string) error {
	current, err := r.db.Read().Agents.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: agent %s is %s", domain.ErrAlreadyTerminal, agentID, current.Status)
	}

	// Signal outside the write scope: a retried transaction must not
	// deliver the signal twice.
	if current.ProcessID != nil {
		if !r.terminator.Kill(*current.ProcessID) {
			log.Warn(log.CatAgent, "terminator signal not delivered", "agentId", agentID, "pid", *current.ProcessID)
		}
	}

	var evt *event.AgentEvent
	err = r.writeRetry(ctx, func(ws *store.WriteScope) error {
		evt = nil
		a, err := ws.Agents.GetByID(ctx, agentID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return fmt.Errorf("%w: agent %s is %s", domain.ErrAlreadyTerminal, agentID, a.Status)
		}

		now := r.clock.Now()
		oldStatus := a.Status
		a.Status = domain.AgentKilled
		a.StoppedAt = &now
		if err := ws.Agents.Update(ctx, a); err != nil {
			return err
		}
		evt = &event.AgentEvent{
			Type:      event.AgentKilled,
			Timestamp: now,
			Payload: event.AgentPayload{
				AgentID:   agentID,
				Persona:   a.PersonaID,
				OldStatus: string(oldStatus),
				NewStatus: string(domain.AgentKilled),
				Reason:    reason,
			},
		}
		return nil
	})
	if err != nil {
		return err
	}

	if evt != nil {
		r.publish(*evt)
		log.Info(log.CatAgent, "agent killed", "agentId", agentID, "reason", reason)
	}
	return nil
}

// GetByID retrieves an agent.
func (r *Registry) GetByID(ctx context.Context, agentID string) (*domain.Agent, error) {
	return r.db.Read().Agents.GetByID(ctx, agentID)
}

// List retrieves all agents, optionally filtered by persona.
func (r *Registry) List(ctx context.Context, personaFilter string) ([]*domain.Agent, error) {
	return r.db.Read().Agents.List(ctx, personaFilter)
}

func (r *Registry) publish(evt event.AgentEvent) {
	if err := r.buses.Agent.Publish(evt); err != nil {
		log.ErrorErr(log.CatAgent, "agent event publish failed", err, "type", evt.Type)
	}
}
