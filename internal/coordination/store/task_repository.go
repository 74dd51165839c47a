package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

// taskColumns is the list of columns to select for task queries.
const taskColumns = `id, agent_id, persona_id, description, priority, status, result,
	created_at, claimed_at, started_at, completed_at`

// pendingOrder selects the dispatch winner: highest priority first, then
// earliest creation, then id for a stable total order.
const pendingOrder = ` ORDER BY priority DESC, created_at ASC, id ASC`

// TaskRepository persists tasks and performs the conditional claim update.
type TaskRepository struct {
	db dbtx
}

func newTaskRepository(db dbtx) *TaskRepository {
	return &TaskRepository{db: db}
}

// scanTask scans a row into a TaskModel.
func scanTask(scanner interface{ Scan(...any) error }) (*TaskModel, error) {
	var model TaskModel
	err := scanner.Scan(
		&model.ID, &model.AgentID, &model.PersonaID, &model.Description,
		&model.Priority, &model.Status, &model.Result,
		&model.CreatedAt, &model.ClaimedAt, &model.StartedAt, &model.CompletedAt,
	)
	return &model, err
}

// Insert persists a new task row.
func (r *TaskRepository) Insert(ctx context.Context, task *domain.Task) error {
	model := toTaskModel(task)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, agent_id, persona_id, description, priority, status, result,
			created_at, claimed_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.AgentID, model.PersonaID, model.Description,
		model.Priority, model.Status, model.Result,
		model.CreatedAt, model.ClaimedAt, model.StartedAt, model.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by id. Returns domain.ErrTaskNotFound when no row
// matches.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return model.toDomain(), nil
}

// FindInProgressByAgent retrieves the in-progress task owned by the agent,
// or nil when there is none.
func (r *TaskRepository) FindInProgressByAgent(ctx context.Context, agentID string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE agent_id = ? AND status = ?`+pendingOrder+` LIMIT 1`,
		agentID, string(domain.TaskInProgress),
	)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-progress task: %w", err)
	}
	return model.toDomain(), nil
}

// FindNextAssigned retrieves the dispatch winner among pending tasks pinned
// to the agent, or nil when there is none.
func (r *TaskRepository) FindNextAssigned(ctx context.Context, agentID string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE agent_id = ? AND status = ?`+pendingOrder+` LIMIT 1`,
		agentID, string(domain.TaskPending),
	)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find assigned task: %w", err)
	}
	return model.toDomain(), nil
}

// FindNextForPersona retrieves the dispatch winner among unassigned pending
// tasks routed to the persona, or nil when there is none.
func (r *TaskRepository) FindNextForPersona(ctx context.Context, personaID string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE agent_id IS NULL AND persona_id = ? AND status = ?`+pendingOrder+` LIMIT 1`,
		personaID, string(domain.TaskPending),
	)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find persona task: %w", err)
	}
	return model.toDomain(), nil
}

// Claim atomically transitions a pending task to in-progress and pins it to
// the agent. Returns false when the task was no longer pending (lost race).
func (r *TaskRepository) Claim(ctx context.Context, taskID, agentID string, at time.Time) (bool, error) {
	now := at.Unix()
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET agent_id = ?, status = ?, claimed_at = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		agentID, string(domain.TaskInProgress), now, now,
		taskID, string(domain.TaskPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Finalize atomically transitions a non-terminal task to the given terminal
// status and records the result. Returns false when the task was already
// terminal.
func (r *TaskRepository) Finalize(ctx context.Context, taskID string, status domain.TaskStatus, taskResult string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), taskResult, at.Unix(),
		taskID, string(domain.TaskPending), string(domain.TaskInProgress),
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListByStatus retrieves all tasks in the given status, newest first.
func (r *TaskRepository) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC, id ASC`,
		string(status))
}

// ListByAgent retrieves all tasks pinned to the agent, newest first.
func (r *TaskRepository) ListByAgent(ctx context.Context, agentID string) ([]*domain.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? ORDER BY created_at DESC, id ASC`,
		agentID)
}

// ListByAgentAndStatus retrieves the agent's tasks in the given status,
// newest first.
func (r *TaskRepository) ListByAgentAndStatus(ctx context.Context, agentID string, status domain.TaskStatus) ([]*domain.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? AND status = ? ORDER BY created_at DESC, id ASC`,
		agentID, string(status))
}

func (r *TaskRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		model, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}
