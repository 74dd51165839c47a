package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aiswarm/swarmd/internal/coordination/agent"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/memory"
	"github.com/aiswarm/swarmd/internal/log"
	"github.com/aiswarm/swarmd/internal/pubsub"
)

// ok builds the structured {success: true, ...} result.
func ok(fields map[string]any) *ToolCallResult {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	text, _ := json.Marshal(fields)
	return StructuredResult(string(text), fields)
}

// fail builds the structured {success: false, errorMessage, errorKind}
// result. Domain failures never surface as RPC errors.
func fail(err error) *ToolCallResult {
	fields := map[string]any{
		"success":      false,
		"errorMessage": err.Error(),
		"errorKind":    errorKind(err),
	}
	text, _ := json.Marshal(fields)
	return StructuredResult(string(text), fields)
}

// errorKind maps an error chain to its machine-readable failure kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, domain.ErrAgentNotEligible):
		return "agent_not_eligible"
	case errors.Is(err, domain.ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, domain.ErrMemoryNotFound):
		return "memory_not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, pubsub.ErrBrokerClosed):
		return "bus_disposed"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

func decode(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing arguments", domain.ErrInvalidArgument)
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func agentFields(a *domain.Agent) map[string]any {
	alive := false
	if a.ProcessID != nil {
		alive = agent.ProcessAlive(*a.ProcessID)
	}
	return map[string]any{
		"agentId":          a.ID,
		"persona":          a.PersonaID,
		"workingDirectory": a.WorkingDirectory,
		"model":            a.Model,
		"worktreeName":     a.WorktreeName,
		"processId":        a.ProcessID,
		"processAlive":     alive,
		"status":           string(a.Status),
		"registeredAt":     a.RegisteredAt.UTC().Format(time.RFC3339),
		"startedAt":        timePtr(a.StartedAt),
		"lastHeartbeat":    a.LastHeartbeat.UTC().Format(time.RFC3339),
		"stoppedAt":        timePtr(a.StoppedAt),
	}
}

func taskFields(t *domain.Task) map[string]any {
	return map[string]any{
		"taskId":      t.ID,
		"agentId":     t.AgentID,
		"persona":     t.PersonaID,
		"description": t.Description,
		"priority":    t.Priority.String(),
		"status":      string(t.Status),
		"result":      t.Result,
		"createdAt":   t.CreatedAt.UTC().Format(time.RFC3339),
		"claimedAt":   timePtr(t.ClaimedAt),
		"startedAt":   timePtr(t.StartedAt),
		"completedAt": timePtr(t.CompletedAt),
	}
}

func memoryFields(e *domain.MemoryEntry) map[string]any {
	return map[string]any{
		"namespace":     e.Namespace,
		"key":           e.Key,
		"value":         e.Value,
		"type":          e.Type,
		"metadata":      e.Metadata,
		"size":          e.Size,
		"isCompressed":  e.IsCompressed,
		"createdAt":     e.CreatedAt.UTC().Format(time.RFC3339),
		"lastUpdatedAt": e.LastUpdatedAt.UTC().Format(time.RFC3339),
		"accessedAt":    timePtr(e.AccessedAt),
		"accessCount":   e.AccessCount,
	}
}

func (cs *CoordinationServer) handleLaunchAgent(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		Persona      string `json:"persona"`
		Description  string `json:"description"`
		Model        string `json:"model"`
		WorktreeName string `json:"worktreeName"`
		Yolo         bool   `json:"yolo"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}
	if p.Description == "" {
		return fail(fmt.Errorf("%w: description is required", domain.ErrInvalidArgument)), nil
	}
	if cs.launcher == nil {
		return fail(errors.New("agent launching is not available on this server")), nil
	}

	workDir, err := cs.launcher.WorkDir(ctx, p.WorktreeName)
	if err != nil {
		return fail(fmt.Errorf("launch failed: %w", err)), nil
	}

	agentID, err := cs.registry.Register(ctx, agent.RegisterRequest{
		PersonaID:        p.Persona,
		WorkingDirectory: workDir,
		Model:            p.Model,
		WorktreeName:     p.WorktreeName,
	})
	if err != nil {
		return fail(err), nil
	}

	launched, err := cs.launcher.Launch(ctx, LaunchRequest{
		AgentID:      agentID,
		Persona:      p.Persona,
		Description:  p.Description,
		Model:        p.Model,
		WorkDir:      workDir,
		WorktreeName: p.WorktreeName,
		Yolo:         p.Yolo,
	})
	if err != nil {
		// The registered row stays for audit; mark it stopped.
		if stopErr := cs.registry.Stop(ctx, agentID); stopErr != nil {
			log.ErrorErr(log.CatLaunch, "failed to stop agent after launch failure", stopErr, "agentId", agentID)
		}
		return fail(fmt.Errorf("launch failed: %w", err)), nil
	}

	if err := cs.registry.MarkRunning(ctx, agentID, launched.PID); err != nil {
		return fail(err), nil
	}

	return ok(map[string]any{"agentId": agentID, "pid": launched.PID}), nil
}

func (cs *CoordinationServer) handleKillAgent(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	if err := cs.registry.Kill(ctx, p.AgentID, "killed via tool call"); err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"agentId": p.AgentID}), nil
}

func (cs *CoordinationServer) handleListAgents(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		Persona string `json:"persona"`
	}
	if len(args) > 0 {
		if err := decode(args, &p); err != nil {
			return fail(err), nil
		}
	}

	agents, err := cs.registry.List(ctx, p.Persona)
	if err != nil {
		return fail(err), nil
	}

	list := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		list = append(list, agentFields(a))
	}
	return ok(map[string]any{"agents": list, "count": len(list)}), nil
}

func (cs *CoordinationServer) handleCreateTask(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		AgentID     string `json:"agentId"`
		Persona     string `json:"persona"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	priority, err := domain.ParseTaskPriority(p.Priority)
	if err != nil {
		return fail(err), nil
	}

	taskID, err := cs.coordinator.Create(ctx, p.AgentID, p.Persona, p.Description, priority)
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"taskId": taskID}), nil
}

func (cs *CoordinationServer) handleGetNextTask(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		AgentID    string  `json:"agentId"`
		WaitMillis float64 `json:"waitMillis"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	// Polling for work doubles as a liveness signal.
	if _, err := cs.registry.Heartbeat(ctx, p.AgentID); err != nil {
		return fail(err), nil
	}

	result, err := cs.coordinator.GetNext(ctx, p.AgentID, time.Duration(p.WaitMillis)*time.Millisecond)
	if err != nil {
		return fail(err), nil
	}

	return ok(map[string]any{
		"taskId":      result.TaskID,
		"description": result.Description,
		"persona":     result.PersonaID,
		"requery":     result.Requery,
	}), nil
}

func (cs *CoordinationServer) handleReportCompletion(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		TaskID string `json:"taskId"`
		Result string `json:"result"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	if err := cs.coordinator.ReportCompletion(ctx, p.TaskID, p.Result); err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"taskId": p.TaskID}), nil
}

func (cs *CoordinationServer) handleReportFailure(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		TaskID       string `json:"taskId"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	if err := cs.coordinator.ReportFailure(ctx, p.TaskID, p.ErrorMessage); err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"taskId": p.TaskID}), nil
}

func (cs *CoordinationServer) handleGetTaskStatus(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		TaskID string `json:"taskId"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	t, err := cs.coordinator.GetStatus(ctx, p.TaskID)
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"task": taskFields(t)}), nil
}

func (cs *CoordinationServer) handleGetTasksByStatus(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		Status string `json:"status"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	status, err := domain.ParseTaskStatus(p.Status)
	if err != nil {
		return fail(err), nil
	}

	tasks, err := cs.coordinator.ListByStatus(ctx, status)
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"tasks": tasksToFields(tasks), "count": len(tasks)}), nil
}

func (cs *CoordinationServer) handleGetTasksByAgent(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	tasks, err := cs.coordinator.ListByAgent(ctx, p.AgentID)
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"tasks": tasksToFields(tasks), "count": len(tasks)}), nil
}

func (cs *CoordinationServer) handleGetTasksByAgentAndStatus(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		AgentID string `json:"agentId"`
		Status  string `json:"status"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	status, err := domain.ParseTaskStatus(p.Status)
	if err != nil {
		return fail(err), nil
	}

	tasks, err := cs.coordinator.ListByAgentAndStatus(ctx, p.AgentID, status)
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"tasks": tasksToFields(tasks), "count": len(tasks)}), nil
}

func tasksToFields(tasks []*domain.Task) []map[string]any {
	list := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, taskFields(t))
	}
	return list
}

func (cs *CoordinationServer) handleSaveMemory(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		Type      string `json:"type"`
		Metadata  string `json:"metadata"`
		Namespace string `json:"namespace"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	err := cs.memory.Save(ctx, memory.SaveRequest{
		Namespace: p.Namespace,
		Key:       p.Key,
		Value:     p.Value,
		Type:      p.Type,
		Metadata:  p.Metadata,
	})
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"namespace": p.Namespace, "key": p.Key}), nil
}

func (cs *CoordinationServer) handleReadMemory(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		Key       string `json:"key"`
		Namespace string `json:"namespace"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	entry, err := cs.memory.Read(ctx, p.Namespace, p.Key)
	if err != nil {
		return fail(err), nil
	}
	return ok(memoryFields(entry)), nil
}

func (cs *CoordinationServer) handleListMemory(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		Namespace string `json:"namespace"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	entries, err := cs.memory.List(ctx, p.Namespace)
	if err != nil {
		return fail(err), nil
	}

	list := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, memoryFields(e))
	}
	return ok(map[string]any{"entries": list, "count": len(list)}), nil
}

func (cs *CoordinationServer) handleWaitForMemoryKey(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
	var p struct {
		Key           string  `json:"key"`
		Namespace     string  `json:"namespace"`
		TimeoutMillis float64 `json:"timeoutMillis"`
		Mode          string  `json:"mode"`
	}
	if err := decode(args, &p); err != nil {
		return fail(err), nil
	}

	wait := time.Duration(p.TimeoutMillis) * time.Millisecond
	if wait <= 0 {
		return fail(fmt.Errorf("%w: timeoutMillis must be positive", domain.ErrInvalidArgument)), nil
	}

	var entry *domain.MemoryEntry
	var err error
	switch p.Mode {
	case "creation":
		entry, err = cs.memory.WaitForCreation(ctx, p.Namespace, p.Key, wait)
	case "update":
		entry, err = cs.memory.WaitForUpdate(ctx, p.Namespace, p.Key, wait)
	default:
		return fail(fmt.Errorf("%w: mode must be 'creation' or 'update'", domain.ErrInvalidArgument)), nil
	}
	if err != nil {
		return fail(err), nil
	}
	return ok(memoryFields(entry)), nil
}
