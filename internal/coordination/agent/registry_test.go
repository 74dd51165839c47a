package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/event"
	"github.com/aiswarm/swarmd/internal/coordination/store"
)

// fakeTerminator records kill requests instead of signalling processes.
type fakeTerminator struct {
	pids      []int
	delivered bool
}

func (f *fakeTerminator) Kill(pid int) bool {
	f.pids = append(f.pids, pid)
	return f.delivered
}

type registryFixture struct {
	registry   *Registry
	db         *store.DB
	buses      *event.Buses
	clock      *clock.FakeClock
	terminator *fakeTerminator
	events     <-chan event.AgentEvent
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), ".aiswarm", store.DBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	buses := event.NewBuses()
	t.Cleanup(buses.Close)

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	term := &fakeTerminator{delivered: true}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &registryFixture{
		registry:   NewRegistry(db, buses, clk, term),
		db:         db,
		buses:      buses,
		clock:      clk,
		terminator: term,
		events:     buses.Agent.Subscribe(ctx),
	}
}

func (f *registryFixture) nextEvent(t *testing.T) event.AgentEvent {
	t.Helper()
	select {
	case evt := <-f.events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent event")
		return event.AgentEvent{}
	}
}

func (f *registryFixture) requireNoEvent(t *testing.T) {
	t.Helper()
	select {
	case evt := <-f.events:
		t.Fatalf("unexpected agent event %s", evt.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_Register(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{
		PersonaID:        "implementer",
		WorkingDirectory: "/work",
		Model:            "sonnet",
		WorktreeName:     "feature-x",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	a, err := f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AgentStarting, a.Status)
	require.Equal(t, "implementer", a.PersonaID)
	require.Equal(t, "sonnet", a.Model)
	require.Equal(t, "feature-x", a.WorktreeName)
	require.Equal(t, f.clock.Now().Unix(), a.RegisteredAt.Unix())

	evt := f.nextEvent(t)
	require.Equal(t, event.AgentRegistered, evt.Type)
	require.Equal(t, id, evt.Payload.AgentID)
	require.Equal(t, string(domain.AgentStarting), evt.Payload.NewStatus)
}

func TestRegistry_Register_RequiresPersona(t *testing.T) {
	f := newRegistryFixture(t)

	_, err := f.registry.Register(context.Background(), RegisterRequest{WorkingDirectory: "/work"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	f.requireNoEvent(t)
}

func TestRegistry_MarkRunning(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)
	f.nextEvent(t)

	f.clock.Advance(time.Second)
	require.NoError(t, f.registry.MarkRunning(ctx, id, 4242))

	a, err := f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AgentRunning, a.Status)
	require.NotNil(t, a.ProcessID)
	require.Equal(t, 4242, *a.ProcessID)
	require.NotNil(t, a.StartedAt)

	evt := f.nextEvent(t)
	require.Equal(t, event.AgentStatusChanged, evt.Type)
	require.Equal(t, string(domain.AgentStarting), evt.Payload.OldStatus)
	require.Equal(t, string(domain.AgentRunning), evt.Payload.NewStatus)

	// Idempotent: a second MarkRunning changes nothing and stays silent.
	require.NoError(t, f.registry.MarkRunning(ctx, id, 9999))
	f.requireNoEvent(t)

	a, err = f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 4242, *a.ProcessID)
}

func TestRegistry_MarkRunning_TerminalAgent(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)
	require.NoError(t, f.registry.Stop(ctx, id))

	err = f.registry.MarkRunning(ctx, id, 4242)
	require.ErrorIs(t, err, domain.ErrAgentNotEligible)
}

func TestRegistry_MarkRunning_NotFound(t *testing.T) {
	f := newRegistryFixture(t)

	err := f.registry.MarkRunning(context.Background(), "agent-missing", 1)
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestRegistry_Heartbeat(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	known, err := f.registry.Heartbeat(ctx, id)
	require.NoError(t, err)
	require.True(t, known)

	a, err := f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Unix(), a.LastHeartbeat.Unix())

	known, err = f.registry.Heartbeat(ctx, "agent-unknown")
	require.NoError(t, err)
	require.False(t, known)
}

func TestRegistry_Stop(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)
	f.nextEvent(t)

	require.NoError(t, f.registry.Stop(ctx, id))

	a, err := f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AgentStopped, a.Status)
	require.NotNil(t, a.StoppedAt)

	evt := f.nextEvent(t)
	require.Equal(t, event.AgentStatusChanged, evt.Type)
	require.Equal(t, string(domain.AgentStopped), evt.Payload.NewStatus)

	// Stopping a terminal agent is a silent no-op.
	require.NoError(t, f.registry.Stop(ctx, id))
	f.requireNoEvent(t)
}

func TestRegistry_Kill(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkRunning(ctx, id, 4242))
	f.nextEvent(t)
	f.nextEvent(t)

	require.NoError(t, f.registry.Kill(ctx, id, "heartbeat timeout"))

	require.Equal(t, []int{4242}, f.terminator.pids)

	a, err := f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AgentKilled, a.Status)
	require.NotNil(t, a.StoppedAt)

	evt := f.nextEvent(t)
	require.Equal(t, event.AgentKilled, evt.Type)
	require.Equal(t, "heartbeat timeout", evt.Payload.Reason)

	err = f.registry.Kill(ctx, id, "again")
	require.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	f.requireNoEvent(t)
}

func TestRegistry_Kill_SignalsProcessOnce(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkRunning(ctx, id, 9001))

	require.NoError(t, f.registry.Kill(ctx, id, "stuck"))
	require.Equal(t, []int{9001}, f.terminator.pids)

	// Repeated kills bail on the terminal check before ever reaching the
	// process, even though a pid is still recorded.
	require.ErrorIs(t, f.registry.Kill(ctx, id, "stuck"), domain.ErrAlreadyTerminal)
	require.ErrorIs(t, f.registry.Kill(ctx, id, "stuck"), domain.ErrAlreadyTerminal)
	require.Equal(t, []int{9001}, f.terminator.pids)
}

func TestRegistry_Kill_WithoutProcess(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)

	// Still in Starting, no pid recorded: the terminator is never called.
	require.NoError(t, f.registry.Kill(ctx, id, "operator request"))
	require.Empty(t, f.terminator.pids)

	a, err := f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AgentKilled, a.Status)
}

func TestRegistry_Kill_SignalFailureStillKills(t *testing.T) {
	f := newRegistryFixture(t)
	f.terminator.delivered = false
	ctx := context.Background()

	id, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkRunning(ctx, id, 777))

	require.NoError(t, f.registry.Kill(ctx, id, "unresponsive"))

	a, err := f.registry.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AgentKilled, a.Status)
}

func TestRegistry_List(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, RegisterRequest{PersonaID: "implementer"})
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, RegisterRequest{PersonaID: "reviewer"})
	require.NoError(t, err)

	all, err := f.registry.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	reviewers, err := f.registry.List(ctx, "reviewer")
	require.NoError(t, err)
	require.Len(t, reviewers, 1)
	require.Equal(t, "reviewer", reviewers[0].PersonaID)
}
