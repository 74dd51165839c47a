package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

// agentColumns is the list of columns to select for agent queries.
const agentColumns = `id, persona_id, working_directory, model, worktree_name, process_id,
	status, registered_at, started_at, last_heartbeat, stopped_at`

// AgentRepository persists agents. Bound to either the shared connection or
// a write transaction depending on the scope it came from.
type AgentRepository struct {
	db dbtx
}

func newAgentRepository(db dbtx) *AgentRepository {
	return &AgentRepository{db: db}
}

// scanAgent scans a row into an AgentModel.
func scanAgent(scanner interface{ Scan(...any) error }) (*AgentModel, error) {
	var model AgentModel
	err := scanner.Scan(
		&model.ID, &model.PersonaID, &model.WorkingDirectory, &model.Model,
		&model.WorktreeName, &model.ProcessID, &model.Status,
		&model.RegisteredAt, &model.StartedAt, &model.LastHeartbeat, &model.StoppedAt,
	)
	return &model, err
}

// Insert persists a new agent row.
func (r *AgentRepository) Insert(ctx context.Context, agent *domain.Agent) error {
	model := toAgentModel(agent)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (
			id, persona_id, working_directory, model, worktree_name, process_id,
			status, registered_at, started_at, last_heartbeat, stopped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.PersonaID, model.WorkingDirectory, model.Model,
		model.WorktreeName, model.ProcessID, model.Status,
		model.RegisteredAt, model.StartedAt, model.LastHeartbeat, model.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by id. Returns domain.ErrAgentNotFound when no
// row matches.
func (r *AgentRepository) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	model, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return model.toDomain(), nil
}

// Update writes all mutable agent columns for the given id.
func (r *AgentRepository) Update(ctx context.Context, agent *domain.Agent) error {
	model := toAgentModel(agent)
	result, err := r.db.ExecContext(ctx,
		`UPDATE agents SET
			status = ?, process_id = ?, started_at = ?, last_heartbeat = ?, stopped_at = ?
		WHERE id = ?`,
		model.Status, model.ProcessID, model.StartedAt, model.LastHeartbeat, model.StoppedAt,
		model.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agent.ID)
	}
	return nil
}

// Touch updates last_heartbeat for the agent. Returns false when the agent
// does not exist.
func (r *AgentRepository) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to update heartbeat: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// List retrieves all agents, optionally filtered by persona, ordered by
// registration time ascending.
func (r *AgentRepository) List(ctx context.Context, personaFilter string) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if personaFilter != "" {
		query += ` WHERE persona_id = ?`
		args = append(args, personaFilter)
	}
	query += ` ORDER BY registered_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*domain.Agent
	for rows.Next() {
		model, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent rows: %w", err)
	}
	return agents, nil
}

// ListRunningStale retrieves running agents whose last heartbeat is strictly
// before the deadline. Used by the liveness sweep.
func (r *AgentRepository) ListRunningStale(ctx context.Context, deadline time.Time) ([]*domain.Agent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE status = ? AND last_heartbeat < ?
		 ORDER BY last_heartbeat ASC`,
		string(domain.AgentRunning), deadline.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*domain.Agent
	for rows.Next() {
		model, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent rows: %w", err)
	}
	return agents, nil
}
