package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

func insertAgent(t *testing.T, db *DB, agent *domain.Agent) {
	t.Helper()
	require.NoError(t, db.Write(context.Background(), func(ws *WriteScope) error {
		return ws.Agents.Insert(context.Background(), agent)
	}))
}

func testAgent(id, persona string, at time.Time) *domain.Agent {
	return &domain.Agent{
		ID:               id,
		PersonaID:        persona,
		WorkingDirectory: "/work",
		Status:           domain.AgentStarting,
		RegisteredAt:     at,
		LastHeartbeat:    at,
	}
}

func TestAgentRepository_InsertAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	pid := 4242
	started := now.Add(time.Second)
	agent := testAgent("agent-1", "implementer", now)
	agent.Model = "sonnet"
	agent.WorktreeName = "feature-x"
	agent.ProcessID = &pid
	agent.StartedAt = &started

	insertAgent(t, db, agent)

	got, err := db.Read().Agents.GetByID(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", got.ID)
	require.Equal(t, "implementer", got.PersonaID)
	require.Equal(t, "/work", got.WorkingDirectory)
	require.Equal(t, "sonnet", got.Model)
	require.Equal(t, "feature-x", got.WorktreeName)
	require.NotNil(t, got.ProcessID)
	require.Equal(t, 4242, *got.ProcessID)
	require.Equal(t, domain.AgentStarting, got.Status)
	require.Equal(t, now.Unix(), got.RegisteredAt.Unix())
	require.NotNil(t, got.StartedAt)
	require.Equal(t, started.Unix(), got.StartedAt.Unix())
	require.Nil(t, got.StoppedAt)
}

func TestAgentRepository_GetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Read().Agents.GetByID(context.Background(), "agent-missing")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestAgentRepository_Update(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	agent := testAgent("agent-1", "implementer", now)
	insertAgent(t, db, agent)

	stopped := now.Add(time.Minute)
	agent.Status = domain.AgentStopped
	agent.StoppedAt = &stopped
	require.NoError(t, db.Write(ctx, func(ws *WriteScope) error {
		return ws.Agents.Update(ctx, agent)
	}))

	got, err := db.Read().Agents.GetByID(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStopped, got.Status)
	require.NotNil(t, got.StoppedAt)
	require.Equal(t, stopped.Unix(), got.StoppedAt.Unix())
}

func TestAgentRepository_Update_NotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	agent := testAgent("agent-ghost", "implementer", time.Unix(1700000000, 0))
	err := db.Write(ctx, func(ws *WriteScope) error {
		return ws.Agents.Update(ctx, agent)
	})
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestAgentRepository_Touch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	insertAgent(t, db, testAgent("agent-1", "implementer", now))

	later := now.Add(30 * time.Second)
	var touched bool
	require.NoError(t, db.Write(ctx, func(ws *WriteScope) error {
		var err error
		touched, err = ws.Agents.Touch(ctx, "agent-1", later)
		return err
	}))
	require.True(t, touched)

	got, err := db.Read().Agents.GetByID(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, later.Unix(), got.LastHeartbeat.Unix())

	require.NoError(t, db.Write(ctx, func(ws *WriteScope) error {
		var err error
		touched, err = ws.Agents.Touch(ctx, "agent-unknown", later)
		return err
	}))
	require.False(t, touched, "touching an unknown agent reports false")
}

func TestAgentRepository_List(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	insertAgent(t, db, testAgent("agent-1", "implementer", now))
	insertAgent(t, db, testAgent("agent-2", "reviewer", now.Add(time.Second)))
	insertAgent(t, db, testAgent("agent-3", "implementer", now.Add(2*time.Second)))

	all, err := db.Read().Agents.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	implementers, err := db.Read().Agents.List(ctx, "implementer")
	require.NoError(t, err)
	require.Len(t, implementers, 2)
	for _, a := range implementers {
		require.Equal(t, "implementer", a.PersonaID)
	}
}

func TestAgentRepository_ListRunningStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	fresh := testAgent("agent-fresh", "implementer", now)
	fresh.Status = domain.AgentRunning
	insertAgent(t, db, fresh)

	stale := testAgent("agent-stale", "implementer", now.Add(-10*time.Minute))
	stale.Status = domain.AgentRunning
	insertAgent(t, db, stale)

	// Starting agents are not swept even when silent.
	starting := testAgent("agent-starting", "implementer", now.Add(-10*time.Minute))
	insertAgent(t, db, starting)

	deadline := now.Add(-5 * time.Minute)
	got, err := db.Read().Agents.ListRunningStale(ctx, deadline)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "agent-stale", got[0].ID)
}
