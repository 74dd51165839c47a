package mcp

import (
	"context"

	"github.com/aiswarm/swarmd/internal/coordination/agent"
	"github.com/aiswarm/swarmd/internal/coordination/memory"
	"github.com/aiswarm/swarmd/internal/coordination/task"
)

// AgentLauncher spawns an agent child process. Implemented by the launcher
// package; injected so the tool surface stays free of process management.
type AgentLauncher interface {
	// WorkDir resolves the directory the agent will run in, creating the
	// named worktree when one is requested. Resolved before registration
	// so the agent record carries its working directory from the start.
	WorkDir(ctx context.Context, worktreeName string) (string, error)

	Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error)
}

// LaunchRequest carries the launch parameters for one agent. AgentID is
// assigned by the registry before the launcher runs so the generated agent
// config can embed it.
type LaunchRequest struct {
	AgentID      string
	Persona      string
	Description  string
	Model        string
	WorkDir      string
	WorktreeName string
	Yolo         bool
}

// LaunchResult reports the spawned process.
type LaunchResult struct {
	PID     int
	Command string
}

// CoordinationServer is the MCP server exposing the coordination tools to
// agent processes.
type CoordinationServer struct {
	*Server
	registry    *agent.Registry
	coordinator *task.Coordinator
	memory      *memory.Store
	launcher    AgentLauncher
}

const serverInstructions = `Swarm coordination server. Agents register against a persona, pull tasks with get_next_task, report results, and share state through namespaced memory keys.`

// NewCoordinationServer creates the coordination MCP server and registers
// its tools. The launcher may be nil when agent spawning is unavailable;
// launch_agent then reports a structured failure.
func NewCoordinationServer(registry *agent.Registry, coordinator *task.Coordinator, memoryStore *memory.Store, launcher AgentLauncher) *CoordinationServer {
	cs := &CoordinationServer{
		Server:      NewServer("swarmd", "1.0.0", WithInstructions(serverInstructions)),
		registry:    registry,
		coordinator: coordinator,
		memory:      memoryStore,
		launcher:    launcher,
	}
	cs.registerTools()
	return cs
}

// successFailureSchema is the minimal {success, errorMessage} output shape
// shared by mutation tools.
func successFailureSchema() *OutputSchema {
	return &OutputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"success":      {Type: "boolean"},
			"errorMessage": {Type: "string", Description: "Set when success is false"},
			"errorKind":    {Type: "string", Description: "Machine-readable failure kind"},
		},
		Required: []string{"success"},
	}
}

func (cs *CoordinationServer) registerTools() {
	cs.RegisterTool(Tool{
		Name:        "launch_agent",
		Description: "Register and spawn a new agent process for a persona. Returns the new agent ID.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"persona":      {Type: "string", Description: "Persona tag for the new agent (e.g. 'implementer')"},
				"description":  {Type: "string", Description: "What the agent should work on; written into its startup context"},
				"model":        {Type: "string", Description: "Optional model override for the agent process"},
				"worktreeName": {Type: "string", Description: "Optional git worktree to isolate the agent in"},
				"yolo":         {Type: "boolean", Description: "Pass the provider's skip-permissions flag"},
			},
			Required: []string{"persona", "description"},
		},
		OutputSchema: successFailureSchema(),
	}, cs.handleLaunchAgent)

	cs.RegisterTool(Tool{
		Name:        "kill_agent",
		Description: "Force-terminate an agent process and mark it killed.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agentId": {Type: "string", Description: "The agent to kill"},
			},
			Required: []string{"agentId"},
		},
		OutputSchema: successFailureSchema(),
	}, cs.handleKillAgent)

	cs.RegisterTool(Tool{
		Name:        "list_agents",
		Description: "List registered agents, optionally filtered by persona.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"persona": {Type: "string", Description: "Only return agents with this persona"},
			},
		},
	}, cs.handleListAgents)

	cs.RegisterTool(Tool{
		Name:        "create_task",
		Description: "Create a task. Provide agentId to pin it to one agent, otherwise it is routed by persona.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agentId":     {Type: "string", Description: "Optional direct assignment; the agent must be starting or running"},
				"persona":     {Type: "string", Description: "Persona routing tag; required"},
				"description": {Type: "string", Description: "What needs to be done"},
				"priority":    {Type: "string", Description: "Task priority; defaults to Normal", Enum: []string{"Low", "Normal", "High", "Critical"}},
			},
			Required: []string{"persona", "description"},
		},
		OutputSchema: successFailureSchema(),
	}, cs.handleCreateTask)

	cs.RegisterTool(Tool{
		Name:        "get_next_task",
		Description: "Long-poll for the caller's next task. Returns the current in-progress task, a newly claimed task, or a 'system:requery:' sentinel on timeout.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agentId":    {Type: "string", Description: "The calling agent"},
				"waitMillis": {Type: "number", Description: "How long to wait for a task before returning the requery sentinel"},
			},
			Required: []string{"agentId"},
		},
	}, cs.handleGetNextTask)

	cs.RegisterTool(Tool{
		Name:        "report_task_completion",
		Description: "Mark a task completed and record its result.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"taskId": {Type: "string", Description: "The task to complete"},
				"result": {Type: "string", Description: "Outcome summary stored on the task"},
			},
			Required: []string{"taskId", "result"},
		},
		OutputSchema: successFailureSchema(),
	}, cs.handleReportCompletion)

	cs.RegisterTool(Tool{
		Name:        "report_task_failure",
		Description: "Mark a task failed and record the error message.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"taskId":       {Type: "string", Description: "The task to fail"},
				"errorMessage": {Type: "string", Description: "Why the task failed"},
			},
			Required: []string{"taskId", "errorMessage"},
		},
		OutputSchema: successFailureSchema(),
	}, cs.handleReportFailure)

	cs.RegisterTool(Tool{
		Name:        "get_task_status",
		Description: "Read one task.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"taskId": {Type: "string", Description: "The task to read"},
			},
			Required: []string{"taskId"},
		},
	}, cs.handleGetTaskStatus)

	cs.RegisterTool(Tool{
		Name:        "get_tasks_by_status",
		Description: "List all tasks in a status.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"status": {Type: "string", Enum: []string{"pending", "in_progress", "completed", "failed"}},
			},
			Required: []string{"status"},
		},
	}, cs.handleGetTasksByStatus)

	cs.RegisterTool(Tool{
		Name:        "get_tasks_by_agent_id",
		Description: "List all tasks pinned to an agent.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agentId": {Type: "string"},
			},
			Required: []string{"agentId"},
		},
	}, cs.handleGetTasksByAgent)

	cs.RegisterTool(Tool{
		Name:        "get_tasks_by_agent_id_and_status",
		Description: "List an agent's tasks in a status.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"agentId": {Type: "string"},
				"status":  {Type: "string", Enum: []string{"pending", "in_progress", "completed", "failed"}},
			},
			Required: []string{"agentId", "status"},
		},
	}, cs.handleGetTasksByAgentAndStatus)

	cs.RegisterTool(Tool{
		Name:        "save_memory",
		Description: "Upsert a namespaced memory entry shared across agents.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"key":       {Type: "string"},
				"value":     {Type: "string"},
				"type":      {Type: "string", Description: "Value type tag; defaults to 'json'"},
				"metadata":  {Type: "string", Description: "Optional metadata blob"},
				"namespace": {Type: "string", Description: "Namespace; defaults to the empty namespace"},
			},
			Required: []string{"key", "value"},
		},
		OutputSchema: successFailureSchema(),
	}, cs.handleSaveMemory)

	cs.RegisterTool(Tool{
		Name:        "read_memory",
		Description: "Read a memory entry. Updates its access statistics.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"key":       {Type: "string"},
				"namespace": {Type: "string"},
			},
			Required: []string{"key"},
		},
	}, cs.handleReadMemory)

	cs.RegisterTool(Tool{
		Name:        "list_memory",
		Description: "List all memory entries in a namespace, oldest first.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"namespace": {Type: "string"},
			},
			Required: []string{"namespace"},
		},
	}, cs.handleListMemory)

	cs.RegisterTool(Tool{
		Name:        "wait_for_memory_key",
		Description: "Block until a memory key is created or updated, or the timeout elapses.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"key":           {Type: "string"},
				"namespace":     {Type: "string"},
				"timeoutMillis": {Type: "number"},
				"mode":          {Type: "string", Enum: []string{"creation", "update"}},
			},
			Required: []string{"key", "timeoutMillis", "mode"},
		},
	}, cs.handleWaitForMemoryKey)
}
