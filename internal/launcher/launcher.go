package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aiswarm/swarmd/internal/git"
	"github.com/aiswarm/swarmd/internal/log"
	"github.com/aiswarm/swarmd/internal/mcp"
)

// DefaultExecutable is the agent client binary spawned for each agent.
const DefaultExecutable = "claude"

// Config holds launcher configuration.
type Config struct {
	// WorkingDir is the project directory agents run in when no worktree
	// is requested.
	WorkingDir string

	// ServerURL is the MCP endpoint written into each agent's config,
	// e.g. "http://127.0.0.1:7338/mcp".
	ServerURL string

	// Executable overrides the agent client binary. Default: "claude".
	Executable string

	// DryRun builds the command without creating worktrees, writing
	// config files, or spawning the process.
	DryRun bool
}

// Launcher spawns agent child processes with a generated MCP config
// pointing back at the coordination server.
type Launcher struct {
	cfg      Config
	personas *PersonaLoader
	git      git.Executor
}

// Compile-time check that Launcher satisfies the tool surface's interface.
var _ mcp.AgentLauncher = (*Launcher)(nil)

// New creates a Launcher. gitExec may be nil; worktree requests then fail.
func New(cfg Config, personas *PersonaLoader, gitExec git.Executor) *Launcher {
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
	}
	return &Launcher{cfg: cfg, personas: personas, git: gitExec}
}

// WorkDir resolves the directory an agent will run in: the project
// directory, or the named worktree's path, creating the worktree when it
// does not exist yet.
func (l *Launcher) WorkDir(ctx context.Context, worktreeName string) (string, error) {
	if worktreeName == "" {
		return l.cfg.WorkingDir, nil
	}
	return l.ensureWorktree(ctx, worktreeName)
}

// mcpConfig is the JSON structure written for the spawned client.
type mcpConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Launch resolves the persona, prepares the agent's working directory and
// MCP config, and starts the child process.
func (l *Launcher) Launch(ctx context.Context, req mcp.LaunchRequest) (*mcp.LaunchResult, error) {
	persona, err := l.personas.Load(ctx, req.Persona)
	if err != nil {
		return nil, fmt.Errorf("failed to load persona %q: %w", req.Persona, err)
	}

	model := req.Model
	if model == "" {
		model = persona.Model
	}

	// The tool surface resolves the working directory before registering
	// the agent; direct callers leave it empty and we resolve it here.
	workDir := req.WorkDir
	if workDir == "" {
		workDir, err = l.WorkDir(ctx, req.WorktreeName)
		if err != nil {
			return nil, err
		}
	}

	agentDir := filepath.Join(l.cfg.WorkingDir, ".aiswarm", "agents", req.AgentID)
	configPath := filepath.Join(agentDir, "mcp.json")
	contextPath := filepath.Join(agentDir, "context.md")

	args := []string{"--mcp-config", configPath}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.Yolo {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, l.bootstrapPrompt(req, contextPath))

	command := l.cfg.Executable + " " + strings.Join(args, " ")

	if l.cfg.DryRun {
		log.Info(log.CatLaunch, "dry run, not spawning", "agentId", req.AgentID, "command", command)
		return &mcp.LaunchResult{PID: 0, Command: command}, nil
	}

	if err := l.writeAgentFiles(agentDir, configPath, contextPath, persona, req); err != nil {
		return nil, err
	}

	//nolint:gosec // G204: executable and args are built from config, not tool input
	cmd := exec.Command(l.cfg.Executable, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"SWARMD_AGENT_ID="+req.AgentID,
		"SWARMD_SERVER_URL="+l.cfg.ServerURL,
	)

	stdout, err := os.Create(filepath.Join(agentDir, "stdout.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create agent stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(agentDir, "stderr.log"))
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create agent stderr log: %w", err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	pid := cmd.Process.Pid
	log.Info(log.CatLaunch, "agent process started",
		"agentId", req.AgentID, "persona", req.Persona, "pid", pid, "workDir", workDir)

	// Reap the child so it never lingers as a zombie.
	log.SafeGo("agent-reaper/"+req.AgentID, func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		if err != nil {
			log.Warn(log.CatLaunch, "agent process exited with error", "agentId", req.AgentID, "pid", pid, "error", err)
			return
		}
		log.Info(log.CatLaunch, "agent process exited", "agentId", req.AgentID, "pid", pid)
	})

	return &mcp.LaunchResult{PID: pid, Command: command}, nil
}

// ensureWorktree returns the path of the named worktree, creating it (and
// its swarm/ branch) when it does not exist yet.
func (l *Launcher) ensureWorktree(ctx context.Context, name string) (string, error) {
	if l.git == nil {
		return "", fmt.Errorf("worktree %q requested but git is unavailable", name)
	}
	if !l.git.IsGitRepo() {
		return "", fmt.Errorf("worktree %q requested outside a git repository", name)
	}

	branch := git.BranchForWorktree(name)

	worktrees, err := l.git.ListWorktrees()
	if err != nil {
		return "", fmt.Errorf("failed to list worktrees: %w", err)
	}
	for _, wt := range worktrees {
		if wt.Branch == branch {
			return wt.Path, nil
		}
	}

	if err := l.git.ValidateBranchName(branch); err != nil {
		return "", err
	}

	path, err := l.git.DetermineWorktreePath(name)
	if err != nil {
		return "", err
	}

	if l.cfg.DryRun {
		return path, nil
	}

	if err := l.git.CreateWorktree(ctx, path, branch, ""); err != nil {
		return "", fmt.Errorf("failed to create worktree %q: %w", name, err)
	}
	log.Info(log.CatLaunch, "created worktree", "name", name, "branch", branch, "path", path)

	return path, nil
}

// writeAgentFiles creates the per-agent directory with the MCP config and
// persona context the spawned process reads.
func (l *Launcher) writeAgentFiles(agentDir, configPath, contextPath string, persona Persona, req mcp.LaunchRequest) error {
	if err := os.MkdirAll(agentDir, 0o750); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}

	cfg := mcpConfig{
		MCPServers: map[string]mcpServerEntry{
			"swarm": {Type: "http", URL: l.cfg.ServerURL},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent mcp config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write agent mcp config: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Agent %s\n\n", req.AgentID)
	fmt.Fprintf(&b, "You are agent `%s` with persona `%s`.\n", req.AgentID, req.Persona)
	fmt.Fprintf(&b, "Always pass `agentId: %q` to coordination tools that take one.\n\n", req.AgentID)
	b.WriteString(persona.Prompt)
	if req.Description != "" {
		fmt.Fprintf(&b, "\n\n## Assignment\n\n%s\n", req.Description)
	}
	if err := os.WriteFile(contextPath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write agent context: %w", err)
	}

	return nil
}

// bootstrapPrompt is the initial prompt handed to the client process.
func (l *Launcher) bootstrapPrompt(req mcp.LaunchRequest, contextPath string) string {
	return fmt.Sprintf(
		"Read %s for your role and instructions, then begin your work loop. You are agent %s.",
		contextPath, req.AgentID)
}
