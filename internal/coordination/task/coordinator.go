// Package task implements the task lifecycle state machine and the blocking
// dispatch algorithm. The coordinator is the sole writer of task rows and the
// sole publisher of task events.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/event"
	"github.com/aiswarm/swarmd/internal/coordination/store"
	"github.com/aiswarm/swarmd/internal/log"
)

// DefaultWait bounds GetNext when the caller does not supply a wait.
const DefaultWait = 30 * time.Second

// errLostRace signals that a conditional claim affected zero rows. Recovered
// locally by re-running selection; never surfaced to callers.
var errLostRace = fmt.Errorf("dispatch: %w", domain.ErrLostRace)

// GetNextResult is the outcome of one GetNext call. When Requery is true the
// TaskID carries the reserved requery sentinel and the other fields are
// empty; the caller should poll again.
type GetNextResult struct {
	TaskID      string
	Description string
	PersonaID   string
	Requery     bool
}

// Coordinator creates, dispatches, and finalizes tasks.
type Coordinator struct {
	db          *store.DB
	buses       *event.Buses
	registry    AgentLookup
	clock       clock.Clock
	defaultWait time.Duration
}

// AgentLookup resolves the caller's agent row for dispatch and validates
// direct assignments at creation.
type AgentLookup interface {
	GetByID(ctx context.Context, agentID string) (*domain.Agent, error)
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(db *store.DB, buses *event.Buses, registry AgentLookup, clk clock.Clock) *Coordinator {
	return &Coordinator{db: db, buses: buses, registry: registry, clock: clk, defaultWait: DefaultWait}
}

// SetDefaultWait overrides the wait bound applied when GetNext is called
// without one.
func (c *Coordinator) SetDefaultWait(d time.Duration) {
	if d > 0 {
		c.defaultWait = d
	}
}

// Create persists a new pending task and returns its id. A non-empty agentID
// pins the task to that agent; the agent must exist and be Starting or
// Running.
func (c *Coordinator) Create(ctx context.Context, agentID, personaID, description string, priority domain.TaskPriority) (string, error) {
	if personaID == "" {
		return "", fmt.Errorf("%w: persona is required", domain.ErrInvalidArgument)
	}
	if description == "" {
		return "", fmt.Errorf("%w: description is required", domain.ErrInvalidArgument)
	}

	now := c.clock.Now()
	t := &domain.Task{
		ID:          "task-" + uuid.NewString(),
		AgentID:     agentID,
		PersonaID:   personaID,
		Description: description,
		Priority:    priority,
		Status:      domain.TaskPending,
		CreatedAt:   now,
	}

	err := c.db.Write(ctx, func(ws *store.WriteScope) error {
		if agentID != "" {
			a, err := ws.Agents.GetByID(ctx, agentID)
			if err != nil {
				return err
			}
			if !a.Eligible() {
				return fmt.Errorf("%w: agent %s is %s", domain.ErrAgentNotEligible, agentID, a.Status)
			}
		}
		return ws.Tasks.Insert(ctx, t)
	})
	if err != nil {
		return "", err
	}

	c.publish(event.TaskEvent{
		Type:      event.TaskCreated,
		Timestamp: now,
		Payload:   event.TaskPayload{TaskID: t.ID, AgentID: agentID, PersonaID: personaID},
	})
	log.Info(log.CatTask, "task created",
		"taskId", t.ID, "agentId", agentID, "persona", personaID, "priority", priority)
	return t.ID, nil
}

// GetNext returns one task for the calling agent, waiting up to waitUpTo for
// one to appear. Selection order: the caller's in-progress task (sticky,
// idempotent), then the best pending task pinned to the caller, then the best
// unassigned pending task routed to the caller's persona. When nothing
// matches before the deadline, the result carries a fresh requery sentinel.
func (c *Coordinator) GetNext(ctx context.Context, agentID string, waitUpTo time.Duration) (*GetNextResult, error) {
	caller, err := c.registry.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if waitUpTo <= 0 {
		waitUpTo = c.defaultWait
	}

	// First attempt before paying for a subscription.
	if t, err := c.selectAndClaim(ctx, caller); err != nil {
		return nil, err
	} else if t != nil {
		return &GetNextResult{TaskID: t.ID, Description: t.Description, PersonaID: t.PersonaID}, nil
	}

	// Subscribe, then recheck: a task created between the attempt above and
	// the subscription would otherwise be missed until the next poll.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	created := c.buses.Task.SubscribeFiltered(subCtx, event.TaskCreatedFor(caller.ID, caller.PersonaID))

	timer := time.NewTimer(waitUpTo)
	defer timer.Stop()

	for {
		t, err := c.selectAndClaim(ctx, caller)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return &GetNextResult{TaskID: t.ID, Description: t.Description, PersonaID: t.PersonaID}, nil
		}

		select {
		case _, ok := <-created:
			if !ok {
				// Bus disposed while waiting; treat as shutdown.
				return nil, fmt.Errorf("dispatch wait: %w", context.Canceled)
			}
			// The event is only a hint; loop and race the claim.
		case <-timer.C:
			sentinel := domain.RequeryPrefix + uuid.NewString()
			log.Debug(log.CatTask, "dispatch timeout", "agentId", agentID, "sentinel", sentinel)
			return &GetNextResult{TaskID: sentinel, Requery: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// selectAndClaim runs selection steps 1-3 in one transaction. Returns nil
// when no task is eligible. A lost claim race re-runs selection in a fresh
// transaction.
func (c *Coordinator) selectAndClaim(ctx context.Context, caller *domain.Agent) (*domain.Task, error) {
	for {
		var picked *domain.Task
		var claimed bool

		err := c.db.Write(ctx, func(ws *store.WriteScope) error {
			picked, claimed = nil, false

			// Sticky rule: the caller keeps seeing its current task until it
			// reports a terminal state. No state change, no event.
			t, err := ws.Tasks.FindInProgressByAgent(ctx, caller.ID)
			if err != nil {
				return err
			}
			if t != nil {
				picked = t
				return nil
			}

			t, err = ws.Tasks.FindNextAssigned(ctx, caller.ID)
			if err != nil {
				return err
			}
			if t == nil {
				t, err = ws.Tasks.FindNextForPersona(ctx, caller.PersonaID)
				if err != nil {
					return err
				}
			}
			if t == nil {
				return nil
			}

			ok, err := ws.Tasks.Claim(ctx, t.ID, caller.ID, c.clock.Now())
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			t.AgentID = caller.ID
			t.Status = domain.TaskInProgress
			picked, claimed = t, true
			return nil
		})
		if errors.Is(err, errLostRace) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if claimed {
			c.publish(event.TaskEvent{
				Type:      event.TaskClaimed,
				Timestamp: c.clock.Now(),
				Payload:   event.TaskPayload{TaskID: picked.ID, AgentID: caller.ID, PersonaID: picked.PersonaID},
			})
			log.Info(log.CatTask, "task claimed", "taskId", picked.ID, "agentId", caller.ID)
		}
		return picked, nil
	}
}

// ReportCompletion transitions a non-terminal task to Completed.
func (c *Coordinator) ReportCompletion(ctx context.Context, taskID, result string) error {
	return c.finalize(ctx, taskID, domain.TaskCompleted, result)
}

// ReportFailure transitions a non-terminal task to Failed. The error message
// is recorded as the task result.
func (c *Coordinator) ReportFailure(ctx context.Context, taskID, errorMessage string) error {
	return c.finalize(ctx, taskID, domain.TaskFailed, errorMessage)
}

func (c *Coordinator) finalize(ctx context.Context, taskID string, status domain.TaskStatus, result string) error {
	var payload event.TaskPayload
	now := c.clock.Now()

	err := c.db.Write(ctx, func(ws *store.WriteScope) error {
		t, err := ws.Tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", domain.ErrAlreadyTerminal, taskID, t.Status)
		}

		ok, err := ws.Tasks.Finalize(ctx, taskID, status, result, now)
		if err != nil {
			return err
		}
		if !ok {
			// Lost to a concurrent finalize between the read and the update.
			return fmt.Errorf("%w: task %s", domain.ErrAlreadyTerminal, taskID)
		}

		payload = event.TaskPayload{TaskID: taskID, AgentID: t.AgentID, PersonaID: t.PersonaID}
		return nil
	})
	if err != nil {
		return err
	}

	eventType := event.TaskCompleted
	if status == domain.TaskFailed {
		eventType = event.TaskFailed
		payload.Reason = result
	}
	c.publish(event.TaskEvent{Type: eventType, Timestamp: now, Payload: payload})
	log.Info(log.CatTask, "task finalized", "taskId", taskID, "status", status)
	return nil
}

// GetStatus retrieves one task.
func (c *Coordinator) GetStatus(ctx context.Context, taskID string) (*domain.Task, error) {
	return c.db.Read().Tasks.GetByID(ctx, taskID)
}

// ListByStatus retrieves all tasks in a status.
func (c *Coordinator) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	return c.db.Read().Tasks.ListByStatus(ctx, status)
}

// ListByAgent retrieves all tasks pinned to an agent.
func (c *Coordinator) ListByAgent(ctx context.Context, agentID string) ([]*domain.Task, error) {
	return c.db.Read().Tasks.ListByAgent(ctx, agentID)
}

// ListByAgentAndStatus retrieves an agent's tasks in a status.
func (c *Coordinator) ListByAgentAndStatus(ctx context.Context, agentID string, status domain.TaskStatus) ([]*domain.Task, error) {
	return c.db.Read().Tasks.ListByAgentAndStatus(ctx, agentID, status)
}

func (c *Coordinator) publish(evt event.TaskEvent) {
	if err := c.buses.Task.Publish(evt); err != nil {
		log.ErrorErr(log.CatTask, "task event publish failed", err, "type", evt.Type)
	}
}
