package task

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aiswarm/swarmd/internal/coordination/agent"
	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/event"
	"github.com/aiswarm/swarmd/internal/coordination/store"
)

type noopTerminator struct{}

func (noopTerminator) Kill(int) bool { return true }

type coordinatorFixture struct {
	coordinator *Coordinator
	registry    *agent.Registry
	db          *store.DB
	buses       *event.Buses
	clock       *clock.FakeClock
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), ".aiswarm", store.DBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	buses := event.NewBuses()
	t.Cleanup(buses.Close)

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := agent.NewRegistry(db, buses, clk, noopTerminator{})

	return &coordinatorFixture{
		coordinator: NewCoordinator(db, buses, registry, clk),
		registry:    registry,
		db:          db,
		buses:       buses,
		clock:       clk,
	}
}

func (f *coordinatorFixture) registerAgent(t *testing.T, persona string) string {
	t.Helper()
	id, err := f.registry.Register(context.Background(), agent.RegisterRequest{
		PersonaID:        persona,
		WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	return id
}

func TestCoordinator_Create(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	id, err := f.coordinator.Create(ctx, "", "implementer", "build the thing", domain.PriorityHigh)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "task-"))

	task, err := f.coordinator.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, task.Status)
	require.Equal(t, domain.PriorityHigh, task.Priority)
	require.Empty(t, task.AgentID)
}

func TestCoordinator_Create_Validation(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.Create(ctx, "", "", "desc", domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.coordinator.Create(ctx, "", "implementer", "", domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCoordinator_Create_PinnedToUnknownAgent(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.Create(context.Background(), "agent-ghost", "implementer", "desc", domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestCoordinator_Create_PinnedToTerminalAgent(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	require.NoError(t, f.registry.Stop(ctx, agentID))

	_, err := f.coordinator.Create(ctx, agentID, "implementer", "desc", domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrAgentNotEligible)
}

func TestCoordinator_GetNext_UnknownAgent(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.GetNext(context.Background(), "agent-ghost", time.Millisecond)
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestCoordinator_GetNext_ClaimsPersonaTask(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	taskID, err := f.coordinator.Create(ctx, "", "implementer", "build it", domain.PriorityNormal)
	require.NoError(t, err)

	got, err := f.coordinator.GetNext(ctx, agentID, time.Second)
	require.NoError(t, err)
	require.False(t, got.Requery)
	require.Equal(t, taskID, got.TaskID)
	require.Equal(t, "build it", got.Description)
	require.Equal(t, "implementer", got.PersonaID)

	task, err := f.coordinator.GetStatus(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, task.Status)
	require.Equal(t, agentID, task.AgentID)
	require.NotNil(t, task.ClaimedAt)
}

func TestCoordinator_GetNext_StickyInProgress(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	first, err := f.coordinator.Create(ctx, "", "implementer", "first", domain.PriorityNormal)
	require.NoError(t, err)
	_, err = f.coordinator.Create(ctx, "", "implementer", "second", domain.PriorityCritical)
	require.NoError(t, err)

	got, err := f.coordinator.GetNext(ctx, agentID, time.Second)
	require.NoError(t, err)

	// Until the agent reports, it keeps getting the same task back no matter
	// what else is queued.
	again, err := f.coordinator.GetNext(ctx, agentID, time.Second)
	require.NoError(t, err)
	require.Equal(t, got.TaskID, again.TaskID)

	inProgress, err := f.coordinator.ListByAgentAndStatus(ctx, agentID, domain.TaskInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)

	require.NoError(t, f.coordinator.ReportCompletion(ctx, got.TaskID, "done"))

	next, err := f.coordinator.GetNext(ctx, agentID, time.Second)
	require.NoError(t, err)
	require.Equal(t, first, next.TaskID, "reporting releases the agent for new work")
}

func TestCoordinator_GetNext_PinnedBeforePersona(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	_, err := f.coordinator.Create(ctx, "", "implementer", "pool work", domain.PriorityCritical)
	require.NoError(t, err)
	pinned, err := f.coordinator.Create(ctx, agentID, "implementer", "for you", domain.PriorityLow)
	require.NoError(t, err)

	got, err := f.coordinator.GetNext(ctx, agentID, time.Second)
	require.NoError(t, err)
	require.Equal(t, pinned, got.TaskID, "a pinned task outranks any pool task")
}

func TestCoordinator_GetNext_PriorityOrder(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	_, err := f.coordinator.Create(ctx, "", "implementer", "low", domain.PriorityLow)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	critical, err := f.coordinator.Create(ctx, "", "implementer", "critical", domain.PriorityCritical)
	require.NoError(t, err)

	got, err := f.coordinator.GetNext(ctx, agentID, time.Second)
	require.NoError(t, err)
	require.Equal(t, critical, got.TaskID)
}

func TestCoordinator_GetNext_PersonaIsolation(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	_, err := f.coordinator.Create(ctx, "", "reviewer", "review it", domain.PriorityCritical)
	require.NoError(t, err)

	got, err := f.coordinator.GetNext(ctx, agentID, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, got.Requery, "another persona's work is never dispatched")
}

func TestCoordinator_GetNext_RequerySentinel(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")

	first, err := f.coordinator.GetNext(ctx, agentID, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, first.Requery)
	require.True(t, strings.HasPrefix(first.TaskID, domain.RequeryPrefix))
	require.Empty(t, first.Description)

	second, err := f.coordinator.GetNext(ctx, agentID, 20*time.Millisecond)
	require.NoError(t, err)
	require.NotEqual(t, first.TaskID, second.TaskID, "each timeout mints a fresh sentinel")
}

func TestCoordinator_GetNext_WakesOnCreate(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")

	type outcome struct {
		result *GetNextResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.coordinator.GetNext(ctx, agentID, 10*time.Second)
		done <- outcome{result, err}
	}()

	// Let the waiter subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	taskID, err := f.coordinator.Create(ctx, "", "implementer", "wake up", domain.PriorityNormal)
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.False(t, out.result.Requery)
		require.Equal(t, taskID, out.result.TaskID)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not wake on task creation")
	}
}

func TestCoordinator_GetNext_SingleClaimUnderContention(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentA := f.registerAgent(t, "implementer")
	agentB := f.registerAgent(t, "implementer")
	taskID, err := f.coordinator.Create(ctx, "", "implementer", "contested", domain.PriorityNormal)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*GetNextResult, 2)
	for i, agentID := range []string{agentA, agentB} {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			result, err := f.coordinator.GetNext(ctx, agentID, 100*time.Millisecond)
			require.NoError(t, err)
			results[i] = result
		}(i, agentID)
	}
	wg.Wait()

	var winners int
	for _, result := range results {
		if !result.Requery {
			winners++
			require.Equal(t, taskID, result.TaskID)
		}
	}
	require.Equal(t, 1, winners, "exactly one agent claims the task")
}

// TestCoordinator_DispatchOrderProperty checks that any mix of queued pool
// tasks dispatches in priority order, oldest first within a priority.
func TestCoordinator_DispatchOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newCoordinatorFixture(t)
		ctx := context.Background()
		agentID := f.registerAgent(t, "implementer")

		type queued struct {
			id       string
			priority domain.TaskPriority
		}
		count := rapid.IntRange(1, 6).Draw(rt, "count")
		tasks := make([]queued, 0, count)
		for i := 0; i < count; i++ {
			priority := domain.TaskPriority(rapid.IntRange(
				int(domain.PriorityLow), int(domain.PriorityCritical)).Draw(rt, "priority"))
			id, err := f.coordinator.Create(ctx, "", "implementer", "pool work", priority)
			if err != nil {
				rt.Fatalf("create failed: %v", err)
			}
			tasks = append(tasks, queued{id: id, priority: priority})
			f.clock.Advance(time.Second)
		}

		// Stable sort by priority keeps creation order within each level.
		sort.SliceStable(tasks, func(a, b int) bool {
			return tasks[a].priority > tasks[b].priority
		})

		for i, want := range tasks {
			got, err := f.coordinator.GetNext(ctx, agentID, time.Second)
			if err != nil {
				rt.Fatalf("dispatch %d failed: %v", i, err)
			}
			if got.Requery || got.TaskID != want.id {
				rt.Fatalf("dispatch %d: got %s (requery=%v), want %s", i, got.TaskID, got.Requery, want.id)
			}
			if err := f.coordinator.ReportCompletion(ctx, got.TaskID, "done"); err != nil {
				rt.Fatalf("completing %s failed: %v", got.TaskID, err)
			}
		}
	})
}

func TestCoordinator_ReportCompletion(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	taskID, err := f.coordinator.Create(ctx, "", "implementer", "finish me", domain.PriorityNormal)
	require.NoError(t, err)
	_, err = f.coordinator.GetNext(ctx, agentID, time.Second)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.coordinator.ReportCompletion(ctx, taskID, "all green"))

	task, err := f.coordinator.GetStatus(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, task.Status)
	require.Equal(t, "all green", task.Result)
	require.NotNil(t, task.CompletedAt)

	err = f.coordinator.ReportCompletion(ctx, taskID, "again")
	require.ErrorIs(t, err, domain.ErrAlreadyTerminal)
}

func TestCoordinator_ReportFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	taskID, err := f.coordinator.Create(ctx, "", "implementer", "doomed", domain.PriorityNormal)
	require.NoError(t, err)

	sub := f.buses.Task.SubscribeFiltered(ctx, func(e event.TaskEvent) bool {
		return e.Type == event.TaskFailed
	})

	// Pending tasks can fail directly, e.g. when cancelled by an operator.
	require.NoError(t, f.coordinator.ReportFailure(ctx, taskID, "no disk left"))

	task, err := f.coordinator.GetStatus(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, task.Status)
	require.Equal(t, "no disk left", task.Result)

	select {
	case evt := <-sub:
		require.Equal(t, taskID, evt.Payload.TaskID)
		require.Equal(t, "no disk left", evt.Payload.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure event")
	}
}

func TestCoordinator_Report_UnknownTask(t *testing.T) {
	f := newCoordinatorFixture(t)

	err := f.coordinator.ReportCompletion(context.Background(), "task-ghost", "done")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestCoordinator_SetDefaultWait(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	agentID := f.registerAgent(t, "implementer")
	f.coordinator.SetDefaultWait(20 * time.Millisecond)

	start := time.Now()
	got, err := f.coordinator.GetNext(ctx, agentID, 0)
	require.NoError(t, err)
	require.True(t, got.Requery)
	require.Less(t, time.Since(start), 5*time.Second)

	// Non-positive overrides are ignored.
	f.coordinator.SetDefaultWait(0)
	got, err = f.coordinator.GetNext(ctx, agentID, 0)
	require.NoError(t, err)
	require.True(t, got.Requery)
}
